package remote

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker in front of Redis.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker (0 disables it).
	MaxFailures int `yaml:"max_failures"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int `yaml:"half_open_requests"`
	// Interval resets closed-state counts; 0 keeps them until a state change.
	Interval time.Duration `yaml:"interval"`
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
		Interval:         time.Minute,
	}
}

func newBreaker(name string, cfg BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		return nil
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("redis breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: healthy,
	})
}

// healthy reports whether err says nothing about Redis availability.
func healthy(err error) bool {
	return err == nil ||
		errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled)
}
