// Package gateway is the single road to external tool providers (generator
// agents, provisioning tools, auxiliary handlers). Every call goes through
// a per-provider circuit breaker, a per-call timeout and a bounded retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/stagehand/internal/events"
)

// ErrCircuitOpen is returned when a provider's breaker refuses the call
// locally. Callers treat it as a degraded-capability condition: optional
// providers can be skipped, mandatory ones surface the error.
var ErrCircuitOpen = errors.New("provider circuit open")

// ErrUnknownProvider is returned for a provider name never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ScopeError is returned when a caller outside a provider's declared scope
// tries to use it.
type ScopeError struct {
	Provider string
	Role     string
	Kind     string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("provider %q not in scope for role %q / kind %q", e.Provider, e.Role, e.Kind)
}

// ProviderSpec declares a registered external tool provider.
type ProviderSpec struct {
	Name        string
	Roles       []string // roles allowed to use it; empty allows all
	Kinds       []string // stage kinds allowed to use it; empty allows all
	CallTimeout time.Duration
	RetryLimit  int // retries after the first attempt
}

// Config holds the breaker tunables shared by all providers.
type Config struct {
	FailureThreshold uint32        // consecutive failures tripping closed -> open
	Cooldown         time.Duration // open -> half-open delay
	HalfOpenProbes   uint32        // probe calls allowed while half-open
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Gateway multiplexes calls to registered providers.
type Gateway struct {
	mu       sync.Mutex
	cfg      Config
	specs    map[string]ProviderSpec
	breakers map[string]*gobreaker.CircuitBreaker
	bus      *events.Bus
	log      *slog.Logger
}

// New creates a gateway. bus may be nil.
func New(cfg Config, bus *events.Bus, log *slog.Logger) *Gateway {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = DefaultConfig().HalfOpenProbes
	}
	return &Gateway{
		cfg:      cfg,
		specs:    make(map[string]ProviderSpec),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		bus:      bus,
		log:      log,
	}
}

// Register adds a provider to the registry.
func (g *Gateway) Register(spec ProviderSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if spec.Name == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if _, exists := g.specs[spec.Name]; exists {
		return fmt.Errorf("provider %q already registered", spec.Name)
	}
	if spec.RetryLimit < 0 {
		// uint64 conversion below must not turn a negative into unbounded
		spec.RetryLimit = 0
	}
	g.specs[spec.Name] = spec
	return nil
}

// State returns the breaker state for a provider, for the status view.
func (g *Gateway) State(provider string) (gobreaker.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.specs[provider]; !ok {
		return gobreaker.StateClosed, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	cb, ok := g.breakers[provider]
	if !ok {
		return gobreaker.StateClosed, nil
	}
	return cb.State(), nil
}

// Execute runs call through the provider's breaker with the provider's
// timeout and retry budget. role and kind identify the caller for scope
// enforcement; pass empty strings for internal callers.
func (g *Gateway) Execute(ctx context.Context, provider, role, kind string, call func(ctx context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	spec, ok := g.specs[provider]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if !inScope(spec.Roles, role) || !inScope(spec.Kinds, kind) {
		return nil, &ScopeError{Provider: provider, Role: role, Kind: kind}
	}

	cb := g.breaker(provider)

	var result any
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		callCtx := ctx
		if spec.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, spec.CallTimeout)
			defer cancel()
		}

		res, err := cb.Execute(func() (any, error) {
			return call(callCtx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, provider))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(spec.RetryLimit)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// breaker returns the provider's breaker, creating it on first use.
func (g *Gateway) breaker(provider string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: g.cfg.HalfOpenProbes,
		Interval:    0, // never clear counts while closed
		Timeout:     g.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if g.log != nil {
				g.log.Warn("breaker state change", "provider", name, "from", from.String(), "to", to.String())
			}
			if g.bus != nil {
				g.bus.Publish(events.TopicBreaker, events.BreakerStateEvent{
					Provider:  name,
					From:      from.String(),
					To:        to.String(),
					Timestamp: time.Now(),
				})
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a provider failure. A per-call
			// timeout, by contrast, does count toward the threshold.
			return errors.Is(err, context.Canceled)
		},
	})
	g.breakers[provider] = cb
	return cb
}

func inScope(allowed []string, value string) bool {
	if len(allowed) == 0 || value == "" {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}
