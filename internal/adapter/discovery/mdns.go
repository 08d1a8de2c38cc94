package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_postoffice._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// MDNSDiscoverer is the LAN-local fallback leg of the Recipient Resolver's
// discovery step (spec §4.1): components advertise themselves over
// mDNS/DNS-SD, and Lookup browses for a matching service type. It satisfies
// registry.Discoverer, the same interface RedisDiscoverer implements, so a
// caller can chain or swap the two freely.
type MDNSDiscoverer struct {
	logger *slog.Logger

	mu          sync.Mutex
	advertised  map[string]context.CancelFunc // id -> stop advertising
	cache       map[string]string             // serviceType -> address, filled by the last scan
	cacheExpiry time.Time
}

// NewMDNSDiscoverer creates an MDNSDiscoverer.
func NewMDNSDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{
		logger:     logger,
		advertised: make(map[string]context.CancelFunc),
		cache:      make(map[string]string),
	}
}

// entry pairs a discovered service's TXT-record metadata with its address.
type entry struct {
	serviceType string
	address     string
}

// Lookup implements registry.Discoverer by browsing the LAN for
// _postoffice._tcp services and returning the address of one advertising
// serviceType. A recent scan's results are reused if still fresh, since a
// full browse costs the full mdnsScanTimeout.
func (d *MDNSDiscoverer) Lookup(ctx context.Context, serviceType string) (string, bool) {
	d.mu.Lock()
	if time.Now().Before(d.cacheExpiry) {
		addr, ok := d.cache[serviceType]
		d.mu.Unlock()
		return addr, ok
	}
	d.mu.Unlock()

	entries, err := d.scan(ctx)
	if err != nil {
		d.logger.Debug("mdns scan failed", "error", err)
		return "", false
	}

	d.mu.Lock()
	d.cache = make(map[string]string, len(entries))
	for _, e := range entries {
		d.cache[e.serviceType] = e.address
	}
	d.cacheExpiry = time.Now().Add(mdnsScanTimeout)
	addr, ok := d.cache[serviceType]
	d.mu.Unlock()
	return addr, ok
}

// Register implements registry.Discoverer by advertising (id, serviceType,
// fullURL) over mDNS until Deregister is called for id or ctx is done.
// Re-registering the same id replaces its prior advertisement.
func (d *MDNSDiscoverer) Register(ctx context.Context, id, serviceType, fullURL string) error {
	host, port, err := splitHostPort(fullURL)
	if err != nil {
		return fmt.Errorf("mdns register %s: %w", id, err)
	}

	advertiseCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if prevCancel, ok := d.advertised[id]; ok {
		prevCancel()
	}
	d.advertised[id] = cancel
	d.mu.Unlock()

	txt := []string{"id=" + id, "type=" + serviceType, "url=" + fullURL}
	server, err := zeroconf.Register(id, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mdns register %s: %w", id, err)
	}

	go func() {
		<-advertiseCtx.Done()
		server.Shutdown()
	}()

	// Besides an explicit Deregister or a re-Register, the caller's ctx
	// ending also tears the advertisement down.
	go func() {
		<-ctx.Done()
		cancel()
	}()

	d.logger.Info("mdns advertising", "id", id, "type", serviceType, "host", host, "port", port)
	return nil
}

// Deregister stops advertising id, if it was registered.
func (d *MDNSDiscoverer) Deregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.advertised[id]; ok {
		cancel()
		delete(d.advertised, id)
	}
}

func (d *MDNSDiscoverer) scan(ctx context.Context) ([]entry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	results := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var entries []entry
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range results {
			meta := parseTXTRecords(e.Text)
			addr := addressOf(e)
			mu.Lock()
			entries = append(entries, entry{serviceType: meta["type"], address: addr})
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, results); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make([]entry, len(entries))
	copy(out, entries)
	return out, nil
}

func addressOf(e *zeroconf.ServiceEntry) string {
	if len(e.AddrIPv4) > 0 {
		return fmt.Sprintf("http://%s:%d", e.AddrIPv4[0], e.Port)
	}
	if len(e.AddrIPv6) > 0 {
		return fmt.Sprintf("http://[%s]:%d", e.AddrIPv6[0], e.Port)
	}
	return ""
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

// splitHostPort pulls the host and port out of a normalized URL for mDNS
// advertisement, which needs a bare port number rather than a full URL.
func splitHostPort(fullURL string) (string, int, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(fullURL, "https://"), "http://")
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", fullURL)
	}
	host := rest[:idx]
	portStr := rest[idx+1:]
	if slash := strings.Index(portStr, "/"); slash >= 0 {
		portStr = portStr[:slash]
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", fullURL, err)
	}
	return host, port, nil
}
