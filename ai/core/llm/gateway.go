package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrAllProvidersUnavailable is returned when every provider's circuit is
// open or has exhausted its retries.
var ErrAllProvidersUnavailable = errors.New("llm: all providers unavailable")

// ErrProviderBusy is returned when every reachable provider is at its
// in-flight capacity and the bounded queue wait expired.
var ErrProviderBusy = errors.New("llm: providers busy")

// GenerateResult is a successful gateway call.
type GenerateResult struct {
	Text     string
	Provider string
	Latency  time.Duration
}

// ProviderStatus is a point-in-time snapshot of one provider's health.
type ProviderStatus struct {
	Name                string     `json:"name"`
	State               string     `json:"state"` // closed, open, half-open
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	Requests            uint64     `json:"requests"`
	Failures            uint64     `json:"failures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// GatewayConfig tunes the per-provider policies. Zero values take the
// documented defaults.
type GatewayConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit waits before allowing one probe.
	Cooldown time.Duration
	// MaxRetries bounds additional attempts per provider on transient errors.
	MaxRetries int
	// MaxConcurrent bounds in-flight calls per provider.
	MaxConcurrent int64
	// QueueWait is how long a caller waits for capacity before the provider
	// counts as busy.
	QueueWait time.Duration
	// RequestsPerSecond rate-limits each provider. Zero means unlimited.
	RequestsPerSecond float64
	// RetryInitialDelay and RetryMaxDelay shape the exponential backoff.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

func (c *GatewayConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 200 * time.Millisecond
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 4 * time.Second
	}
}

type managedProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	requests atomic.Uint64
	failures atomic.Uint64
	// openedAt is the unix-nano time the circuit last opened, 0 while closed.
	openedAt atomic.Int64
}

// Gateway fronts a priority-ordered provider list. Each call walks the list,
// skipping providers whose circuit is open, until one succeeds.
type Gateway struct {
	providers []*managedProvider
	cfg       GatewayConfig
}

// NewGateway wraps providers, in priority order, with independent circuit
// breakers, concurrency caps and rate limiters.
func NewGateway(providers []Provider, cfg GatewayConfig) *Gateway {
	cfg.applyDefaults()

	managed := make([]*managedProvider, 0, len(providers))
	for _, p := range providers {
		mp := &managedProvider{
			provider: p,
			sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		}
		mp.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1, // exactly one half-open probe
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					mp.openedAt.Store(time.Now().UnixNano())
				case gobreaker.StateClosed:
					mp.openedAt.Store(0)
				}
				slog.Warn("llm gateway: circuit state change",
					"provider", name, "from", from.String(), "to", to.String())
			},
		})
		if cfg.RequestsPerSecond > 0 {
			burst := int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
			mp.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		}
		managed = append(managed, mp)
	}

	return &Gateway{providers: managed, cfg: cfg}
}

// Generate attempts providers in priority order and returns the first
// success. The response text has common code fencing stripped; otherwise it
// is returned verbatim.
func (g *Gateway) Generate(ctx context.Context, messages []Message, temperature float32, maxTokens int) (*GenerateResult, error) {
	if len(g.providers) == 0 {
		return nil, ErrAllProvidersUnavailable
	}

	busy := 0
	var lastErr error

	for _, mp := range g.providers {
		name := mp.provider.Name()

		if mp.breaker.State() == gobreaker.StateOpen {
			slog.Debug("llm gateway: circuit open, skipping", "provider", name)
			continue
		}

		if err := g.admit(ctx, mp); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			busy++
			slog.Debug("llm gateway: provider at capacity", "provider", name)
			continue
		}

		mp.requests.Add(1)
		start := time.Now()
		out, err := mp.breaker.Execute(func() (interface{}, error) {
			var text string
			err := g.withRetries(ctx, func(ctx context.Context) error {
				var genErr error
				text, genErr = mp.provider.Generate(ctx, messages, temperature, maxTokens)
				return genErr
			})
			return text, err
		})
		mp.sem.Release(1)

		if err == nil {
			return &GenerateResult{
				Text:     StripFences(out.(string)),
				Provider: name,
				Latency:  time.Since(start),
			}, nil
		}

		mp.failures.Add(1)
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("llm gateway: provider failed", "provider", name, "error", err)
	}

	if busy > 0 && busy == len(g.providers) {
		return nil, ErrProviderBusy
	}
	if lastErr != nil {
		return nil, errors.Wrap(ErrAllProvidersUnavailable, lastErr.Error())
	}
	return nil, ErrAllProvidersUnavailable
}

// admit acquires the provider's concurrency slot and rate-limit token within
// the bounded queue wait.
func (g *Gateway) admit(ctx context.Context, mp *managedProvider) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.QueueWait)
	defer cancel()

	if err := mp.sem.Acquire(waitCtx, 1); err != nil {
		return err
	}
	if mp.limiter != nil {
		if err := mp.limiter.Wait(waitCtx); err != nil {
			mp.sem.Release(1)
			return err
		}
	}
	return nil
}

// withRetries runs fn with exponential backoff on transient errors.
func (g *Gateway) withRetries(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(g.cfg.RetryInitialDelay, g.cfg.RetryMaxDelay, attempt)):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return err
		}
		slog.Debug("llm gateway: transient failure, retrying",
			"attempt", attempt+1, "error", err)
	}
	return err
}

// Status returns a health snapshot for every provider in priority order.
func (g *Gateway) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(g.providers))
	for _, mp := range g.providers {
		st := ProviderStatus{
			Name:                mp.provider.Name(),
			State:               mp.breaker.State().String(),
			ConsecutiveFailures: mp.breaker.Counts().ConsecutiveFailures,
			Requests:            mp.requests.Load(),
			Failures:            mp.failures.Load(),
		}
		if nanos := mp.openedAt.Load(); nanos != 0 {
			opened := time.Unix(0, nanos)
			st.OpenedAt = &opened
		}
		out = append(out, st)
	}
	return out
}

// Warmup pings every provider concurrently and returns when all finish.
func (g *Gateway) Warmup(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mp := range g.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			p.Warmup(ctx)
		}(mp.provider)
	}
	wg.Wait()
}

// backoffDelay is exponential with a cap and up to 25% jitter either way.
func backoffDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	return d - d/4 + jitter
}

// isTransient reports whether an error is worth retrying: rate limits,
// server-side failures and network problems.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// StripFences removes a wrapping markdown code fence (with optional language
// tag) from LLM output. Text without a fence is returned trimmed.
func StripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}

	out = out[3:]
	if nl := strings.IndexByte(out, '\n'); nl >= 0 && isFenceTag(strings.TrimSpace(out[:nl])) {
		out = out[nl+1:]
	}
	out = strings.TrimSpace(out)
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}

// isFenceTag reports whether the first fence line is a bare language tag
// ("json", "JSON") rather than content.
func isFenceTag(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
