// Package httpclient provides the pooled HTTP transport and circuit breaker
// used by the HTTP Fallback Queue sweeper to reach service recipients when
// the broker transport is unavailable (spec §4.6).
package httpclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, it defaults to 60s.
	Interval time.Duration `yaml:"interval"`
}

// ErrCircuitOpen wraps gobreaker's open-state errors with the recipient that
// tripped the breaker, so callers can log which downstream is unhealthy.
var ErrCircuitOpen = errors.New("httpclient: circuit open")

// BreakerClient wraps an *http.Client with a per-recipient circuit breaker.
// The fallback sweeper keeps one BreakerClient per service recipient so a
// downed service can't exhaust retries against every other recipient.
type BreakerClient struct {
	recipient string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	logger    *slog.Logger
}

// NewBreakerClient wraps client with a circuit breaker scoped to recipient.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerClient(recipient string, client *http.Client, cfg CircuitBreakerConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "fallback:" + recipient,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("fallback circuit breaker state change",
				"recipient", recipient, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerClient{recipient: recipient, client: client, breaker: cb, logger: logger}
}

// Do executes req through the circuit breaker. A 5xx status is treated as a
// failure so repeated downstream errors trip the breaker; any other status
// is returned to the caller with a nil error.
func (b *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := b.breaker.Execute(func() (*http.Response, error) {
		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("downstream %q returned %s", b.recipient, resp.Status)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: recipient %q: %v", ErrCircuitOpen, b.recipient, err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the current circuit breaker state for readiness reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

// --- Connection pooling ---

// PooledTransportConfig configures HTTP connection pooling.
type PooledTransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Default connection pool settings: a handful of service hosts, many
// outstanding fan-out deliveries, connections reused across sweeper ticks.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// sized for repeated calls to a small, fixed set of internal services.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool PooledTransportConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = 10 * time.Second
	}
	if respTimeout == 0 {
		respTimeout = 30 * time.Second
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// ClientConfig configures NewHTTPClient, decoupled from the broader
// application config so this package stays importable from the usecase layer
// without pulling in the full configuration surface.
type ClientConfig struct {
	ConnTimeout time.Duration
	RespTimeout time.Duration
	Pool        PooledTransportConfig
}

// NewHTTPClient creates a pooled *http.Client for fallback delivery POSTs.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 10 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = 30 * time.Second
	}

	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
		Timeout:   connTimeout + respTimeout,
	}
}
