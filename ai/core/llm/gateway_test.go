package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponse struct {
	text string
	err  error
}

// fakeProvider replays scripted responses; the last one repeats.
type fakeProvider struct {
	name      string
	responses []fakeResponse
	block     chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, _ []Message, _ float32, _ int) (string, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if len(f.responses) == 0 {
		return "ok", nil
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	return r.text, r.err
}

func (f *fakeProvider) Warmup(context.Context) {}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastConfig() GatewayConfig {
	return GatewayConfig{
		FailureThreshold:  2,
		Cooldown:          50 * time.Millisecond,
		MaxRetries:        0,
		MaxConcurrent:     4,
		QueueWait:         10 * time.Millisecond,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
	}
}

func transientErr() error {
	return &openai.APIError{HTTPStatusCode: 503, Message: "upstream overloaded"}
}

func TestGatewayUsesFirstHealthyProvider(t *testing.T) {
	primary := &fakeProvider{name: "openai", responses: []fakeResponse{{text: "hello"}}}
	fallback := &fakeProvider{name: "deepseek"}
	g := NewGateway([]Provider{primary, fallback}, fastConfig())

	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 0, fallback.callCount())
}

func TestGatewayFallsBackOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "openai", responses: []fakeResponse{{err: errors.New("invalid request")}}}
	fallback := &fakeProvider{name: "deepseek", responses: []fakeResponse{{text: "from fallback"}}}
	g := NewGateway([]Provider{primary, fallback}, fastConfig())

	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "from fallback", res.Text)
	assert.Equal(t, "deepseek", res.Provider)
}

func TestGatewayRetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{
		{err: transientErr()},
		{err: transientErr()},
		{text: "third time lucky"},
	}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	g := NewGateway([]Provider{p}, cfg)

	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Text)
	assert.Equal(t, 3, p.callCount())
}

func TestGatewayDoesNotRetryNonTransientErrors(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{{err: errors.New("schema rejected")}}}
	cfg := fastConfig()
	cfg.MaxRetries = 3
	g := NewGateway([]Provider{p}, cfg)

	_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersUnavailable)
	assert.Equal(t, 1, p.callCount())
}

func TestGatewayCircuitOpensAfterThreshold(t *testing.T) {
	failing := &fakeProvider{name: "openai", responses: []fakeResponse{{err: errors.New("down")}}}
	healthy := &fakeProvider{name: "deepseek", responses: []fakeResponse{{text: "ok"}}}
	g := NewGateway([]Provider{failing, healthy}, fastConfig())

	// Two failures reach the threshold and open the circuit.
	for i := 0; i < 2; i++ {
		res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
		require.NoError(t, err)
		assert.Equal(t, "deepseek", res.Provider)
	}
	assert.Equal(t, 2, failing.callCount())

	// Open circuit: the failing provider must be skipped entirely.
	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", res.Provider)
	assert.Equal(t, 2, failing.callCount())

	status := g.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "open", status[0].State)
	require.NotNil(t, status[0].OpenedAt)
	assert.WithinDuration(t, time.Now(), *status[0].OpenedAt, time.Second)
	assert.Equal(t, "closed", status[1].State)
	assert.Nil(t, status[1].OpenedAt)
}

func TestGatewayHalfOpenProbeClosesCircuit(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{text: "recovered"},
	}}
	g := NewGateway([]Provider{p}, fastConfig())

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
		require.Error(t, err)
	}
	require.Equal(t, "open", g.Status()[0].State)

	// While open, calls skip the provider.
	_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	assert.ErrorIs(t, err, ErrAllProvidersUnavailable)
	assert.Equal(t, 2, p.callCount())

	// After the cooldown a single probe is allowed; success closes the circuit.
	time.Sleep(70 * time.Millisecond)
	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, "closed", g.Status()[0].State)
	assert.Nil(t, g.Status()[0].OpenedAt, "openedAt clears when the circuit closes")
}

func TestGatewayAllProvidersUnavailable(t *testing.T) {
	a := &fakeProvider{name: "openai", responses: []fakeResponse{{err: errors.New("down")}}}
	b := &fakeProvider{name: "deepseek", responses: []fakeResponse{{err: errors.New("down")}}}
	g := NewGateway([]Provider{a, b}, fastConfig())

	_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	assert.ErrorIs(t, err, ErrAllProvidersUnavailable)
}

func TestGatewayProviderBusy(t *testing.T) {
	block := make(chan struct{})
	p := &fakeProvider{name: "openai", block: block, responses: []fakeResponse{{text: "slow"}}}
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	g := NewGateway([]Provider{p}, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
		done <- err
	}()

	// Wait for the first call to hold the only slot.
	require.Eventually(t, func() bool { return p.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	assert.ErrorIs(t, err, ErrProviderBusy)

	close(block)
	require.NoError(t, <-done)
}

func TestGatewayContextCancellation(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{{err: transientErr()}}}
	cfg := fastConfig()
	cfg.MaxRetries = 5
	cfg.RetryInitialDelay = 50 * time.Millisecond
	cfg.RetryMaxDelay = 100 * time.Millisecond
	g := NewGateway([]Provider{p}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, []Message{UserMessage("hi")}, 0, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatewayStripsFencesFromResponse(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{
		{text: "```json\n{\"name\": \"Sivakumar\"}\n```"},
	}}
	g := NewGateway([]Provider{p}, fastConfig())

	res, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, `{"name": "Sivakumar"}`, res.Text)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"json tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"uppercase tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"inline fence", "```{\"a\":1}```", `{"a":1}`},
		{"surrounding whitespace", "  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
		{"content keeps inner backticks", "```\nuse `go` here\n```", "use `go` here"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestGatewayStatusCounters(t *testing.T) {
	p := &fakeProvider{name: "openai", responses: []fakeResponse{
		{err: errors.New("down")},
		{text: "ok"},
	}}
	g := NewGateway([]Provider{p}, fastConfig())

	_, _ = g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	_, err := g.Generate(context.Background(), []Message{UserMessage("hi")}, 0, 64)
	require.NoError(t, err)

	status := g.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "openai", status[0].Name)
	assert.Equal(t, uint64(2), status[0].Requests)
	assert.Equal(t, uint64(1), status[0].Failures)
	assert.Equal(t, uint32(0), status[0].ConsecutiveFailures)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, isTransient(&openai.APIError{HTTPStatusCode: 502}))
	assert.False(t, isTransient(&openai.APIError{HTTPStatusCode: 400}))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("parse failure")))
}
