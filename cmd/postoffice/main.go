// Command postoffice runs the message broker: socket/HTTP ingress, routing,
// the AMQP broker transport, the HTTP fallback sweeper, and the service
// registry/discovery resolver, wired together per spec §4.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"postoffice/internal/adapter/broker"
	"postoffice/internal/adapter/discovery"
	"postoffice/internal/adapter/gateway"
	"postoffice/internal/adapter/httpclient"
	"postoffice/internal/domain"
	"postoffice/internal/infra/config"
	"postoffice/internal/infra/logger"
	"postoffice/internal/infra/middleware"
	"postoffice/internal/infra/tracer"
	"postoffice/internal/usecase/clients"
	"postoffice/internal/usecase/eventbus"
	"postoffice/internal/usecase/fallback"
	"postoffice/internal/usecase/readiness"
	"postoffice/internal/usecase/registry"
	"postoffice/internal/usecase/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if v := os.Getenv("POSTOFFICE_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	selfID := "PostOffice"
	selfURL := os.Getenv("POSTOFFICE_URL")
	if mount := os.Getenv("MISSION_FILES_STORAGE_PATH"); mount != "" {
		// Mission-file storage is served by the external Librarian/file service
		// (spec Non-goals); this broker only confirms the mount is configured.
		log.Info("mission file storage path configured", "path", mount)
	}

	// 3. Event bus — in-process lifecycle notifications, logged for now;
	// a future subscriber (metrics, audit trail) attaches the same way.
	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, evt domain.Event) {
		log.Debug("event", "type", evt.Type, "payload", string(evt.Payload))
	})

	// 4. Service registry + recipient resolver
	svcRegistry := registry.New(log)
	svcRegistry.SetEventBus(bus)
	discoverer, discoveryCloser := newDiscoverer(cfg.Discovery, log)
	if discoveryCloser != nil {
		defer discoveryCloser()
	}
	resolver := registry.NewResolver(svcRegistry, discoverer, registry.ResolverConfig{}, log)
	if selfURL != "" {
		resolver.Register(ctx, domain.Component{ID: selfID, Type: "PostOffice", URL: selfURL})
	}

	// 5. Readiness monitor
	allowDegraded := parseBoolEnv("ALLOW_READY_WITHOUT_RABBITMQ", false)
	readyMonitor := readiness.NewMonitor(allowDegraded)
	readyMonitor.SetEventBus(bus)
	readyMonitor.SetDiscoveryRegistered(discoverer != nil)

	// 6. Client connection registry
	clientRegistry := clients.New(clients.Config{
		MaxOfflineQueueLen: cfg.Offline.QueueCap,
	}, log)
	clientRegistry.SetEventBus(bus)

	// 7. Fallback queue + HTTP sweeper (drains while the broker is down)
	fallbackQueue := fallback.NewQueue()
	fallbackHTTPClient := httpclient.NewHTTPClient(httpclient.ClientConfig{
		RespTimeout: cfg.Fallback.HTTPTimeout,
	})
	sweeper := fallback.NewSweeper(fallbackQueue, clientRegistry, resolver, readyMonitor,
		fallbackHTTPClient, os.Getenv("POSTOFFICE_FALLBACK_AUTH_TOKEN"), log)
	go sweeper.Run(ctx)

	// 8. Router. Its ServiceForwarder is the broker transport, which in turn
	// needs the Router as its inbound Dispatcher — forwarderBox breaks that
	// construction cycle by deferring the real forwarder until step 9.
	fwd := &forwarderBox{}
	r := router.NewRouter(selfID, clientRegistry, fwd, log)

	// 9. Broker transport (AMQP), now that Router exists to receive inbound frames
	transport := broker.NewTransport(broker.Config{
		URL:               cfg.Broker.URL,
		Exchange:          cfg.Broker.Exchange,
		SelfID:            selfID,
		ReconnectInterval: 5 * time.Second,
	}, fallbackQueue, r, readyMonitor, log)
	fwd.set(transport)
	defer transport.Close()
	go transport.Run(ctx)

	// 10. Gateway: socket admission + HTTP ingress
	srv := gateway.NewServer(cfg.Gateway.Addr, cfg.Gateway.Auth.RequireToken, clientRegistry, r, log)
	srv.Use(middleware.SecurityHeaders)
	srv.Use(middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.Gateway.Security.RequestsPerMin,
		BurstSize:      cfg.Gateway.Security.BurstSize,
		TrustedProxies: cfg.Gateway.Security.TrustedProxies,
	}))
	gateway.RegisterHandlers(srv, gateway.HandlerDeps{
		Registry:   svcRegistry,
		Resolver:   resolver,
		Router:     r,
		Clients:    clientRegistry,
		Readiness:  readyMonitor,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		UserInput:  gateway.NewUserInputWaiters(),
		Logger:     log,
	})

	log.Info("postoffice starting", "addr", cfg.Gateway.Addr)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// forwarderBox lets the Router be constructed before the broker transport
// that will act as its ServiceForwarder exists, breaking their mutual
// construction dependency. set must be called before the gateway starts
// accepting connections.
type forwarderBox struct {
	mu sync.RWMutex
	f  router.ServiceForwarder
}

func (b *forwarderBox) set(f router.ServiceForwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.f = f
}

func (b *forwarderBox) Forward(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	b.mu.RLock()
	f := b.f
	b.mu.RUnlock()
	return f.Forward(ctx, msg)
}

// newDiscoverer builds the Recipient Resolver's discovery leg: Redis when
// configured, mDNS when enabled, both composed when both are, or nil when
// neither is — Resolver degrades gracefully to env vars and the local
// registry in that case.
func newDiscoverer(cfg config.DiscoveryConfig, log *slog.Logger) (registry.Discoverer, func() error) {
	var disc registry.Discoverer
	var closer func() error

	if cfg.RedisURL != "" {
		redisClient := discovery.NewGoRedisClient(cfg.RedisURL)
		disc = discovery.NewRedisDiscoverer(redisClient, cfg.RedisTTL, log)
		closer = redisClient.Close
	}
	if cfg.MDNS {
		mdnsDisc := discovery.NewMDNSDiscoverer(log)
		if disc == nil {
			disc = mdnsDisc
		} else {
			disc = compositeDiscoverer{primary: disc, secondary: mdnsDisc}
		}
	}
	return disc, closer
}

// compositeDiscoverer tries the primary discovery backend first (Redis, the
// cluster-wide registry) and falls back to the secondary (mDNS, LAN-local)
// only when the primary has nothing for that service type.
type compositeDiscoverer struct {
	primary   registry.Discoverer
	secondary registry.Discoverer
}

func (c compositeDiscoverer) Lookup(ctx context.Context, serviceType string) (string, bool) {
	if url, ok := c.primary.Lookup(ctx, serviceType); ok {
		return url, ok
	}
	return c.secondary.Lookup(ctx, serviceType)
}

func (c compositeDiscoverer) Register(ctx context.Context, id, serviceType, fullURL string) error {
	if err := c.primary.Register(ctx, id, serviceType, fullURL); err != nil {
		return err
	}
	return c.secondary.Register(ctx, id, serviceType, fullURL)
}

func parseBoolEnv(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
