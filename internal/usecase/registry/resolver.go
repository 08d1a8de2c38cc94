package registry

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"postoffice/internal/domain"
)

// Discoverer is the external discovery registry collaborator: a bounded-retry
// lookup and a best-effort mirror-on-register, backed by Redis and/or mDNS
// (see internal/adapter/discovery). The Resolver never fails hard on a
// Discoverer error — a miss or error is simply treated as "not found here".
type Discoverer interface {
	Lookup(ctx context.Context, serviceType string) (string, bool)
	Register(ctx context.Context, id, serviceType, fullURL string) error
}

// ResolverConfig controls the bounded discovery retry from spec §4.1.
type ResolverConfig struct {
	DiscoveryAttempts int           // default 5
	DiscoveryInterval time.Duration // default 3s
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.DiscoveryAttempts <= 0 {
		c.DiscoveryAttempts = 5
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 3 * time.Second
	}
	return c
}

// Resolver is the Recipient Resolver: it turns a logical recipient (service
// type or component id) into a concrete URL, trying discovery, then an
// environment variable, then the local Service Registry, then the
// well-known static table.
type Resolver struct {
	registry   *Registry
	discoverer Discoverer // may be nil: discovery step is then always a miss
	cfg        ResolverConfig
	logger     *slog.Logger
}

// NewResolver creates a Resolver. discoverer may be nil if no external
// discovery registry is configured.
func NewResolver(reg *Registry, discoverer Discoverer, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		registry:   reg,
		discoverer: discoverer,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Resolve implements the §4.1 lookup order: discovery (bounded retry) -> env
// var <TYPE>_URL -> local registry -> well-known static table. It never
// returns an error; a total miss yields ("", false).
func (r *Resolver) Resolve(ctx context.Context, recipientType string) (string, bool) {
	if url, ok := r.resolveViaDiscovery(ctx, recipientType); ok {
		return normalizeURL(url), true
	}
	if url, ok := r.resolveViaEnv(recipientType); ok {
		return normalizeURL(url), true
	}
	if url, err := r.registry.GetURL(recipientType); err == nil {
		return normalizeURL(url), true
	}
	if url, ok := r.resolveWellKnown(recipientType); ok {
		return normalizeURL(url), true
	}
	return "", false
}

func (r *Resolver) resolveViaDiscovery(ctx context.Context, recipientType string) (string, bool) {
	if r.discoverer == nil {
		return "", false
	}
	for attempt := 0; attempt < r.cfg.DiscoveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(r.cfg.DiscoveryInterval):
			}
		}
		if url, ok := r.discoverer.Lookup(ctx, recipientType); ok {
			return url, true
		}
	}
	r.logger.Debug("discovery resolution missed", "type", recipientType, "attempts", r.cfg.DiscoveryAttempts)
	return "", false
}

func (r *Resolver) resolveViaEnv(recipientType string) (string, bool) {
	key := strings.ToUpper(recipientType) + "_URL"
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	return "", false
}

func (r *Resolver) resolveWellKnown(recipientType string) (string, bool) {
	for _, svc := range domain.WellKnownServices {
		if svc.Type == recipientType {
			return svc.Host + ":" + strconv.Itoa(svc.Port), true
		}
	}
	return "", false
}

// normalizeURL prepends http:// when no scheme is present, per §4.1.
func normalizeURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return raw
	}
	return "http://" + raw
}

// Register upserts a component in the local registry and best-effort mirrors
// it to the external discovery registry. Discovery failures never fail the
// local registration.
func (r *Resolver) Register(ctx context.Context, c domain.Component) {
	r.registry.Register(c)
	if r.discoverer == nil {
		return
	}
	if err := r.discoverer.Register(ctx, c.ID, c.Type, normalizeURL(c.URL)); err != nil {
		r.logger.Warn("discovery mirror failed", "id", c.ID, "type", c.Type, "error", err)
	}
}
