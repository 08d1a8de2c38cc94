package config

import "fmt"

// ValidationError accumulates all configuration problems found by Validate,
// so an operator sees every mistake at once instead of fixing one at a time.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %v", v.Errors)
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for internally-inconsistent or out-of-range settings.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	validateGateway(cfg, ve)
	validateDiscovery(cfg, ve)
	validateBroker(cfg, ve)
	validateFallback(cfg, ve)
	validateOffline(cfg, ve)

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	}
	if cfg.Gateway.Security.RequestsPerMin <= 0 {
		ve.Add("gateway.security.requests_per_min must be positive")
	}
	if cfg.Gateway.Security.BurstSize <= 0 {
		ve.Add("gateway.security.burst_size must be positive")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.RedisTTL < 0 {
		ve.Add("discovery.redis_ttl must not be negative")
	}
}

func validateBroker(cfg *Config, ve *ValidationError) {
	if cfg.Broker.URL == "" {
		ve.Add("broker.url must not be empty")
	}
	if cfg.Broker.Exchange == "" {
		ve.Add("broker.exchange must not be empty")
	}
	if cfg.Broker.RPCTimeout <= 0 {
		ve.Add("broker.rpc_timeout must be positive")
	}
}

func validateFallback(cfg *Config, ve *ValidationError) {
	if cfg.Fallback.TickInterval <= 0 {
		ve.Add("fallback.tick_interval must be positive")
	}
	if cfg.Fallback.HTTPTimeout <= 0 {
		ve.Add("fallback.http_timeout must be positive")
	}
}

func validateOffline(cfg *Config, ve *ValidationError) {
	if cfg.Offline.QueueCap <= 0 {
		ve.Add("offline.queue_cap must be positive")
	}
}
