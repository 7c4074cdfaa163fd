package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Router implements Client by routing to the best available provider.
// Providers are tried in insertion order (add the preferred planning model
// first, fallbacks after); per-provider latency tracking and a circuit
// breaker keep a flapping backend from being retried on every call.
type Router struct {
	providers []Provider
	stats     map[string]*providerStats
	breakers  map[string]*CircuitBreaker
	mu        sync.RWMutex
	logger    *zap.Logger
}

type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

var _ Client = (*Router)(nil)

// AddProvider adds a provider to the router. Providers are tried in
// insertion order.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("LLM provider added",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// Generate routes to the first available provider that supports the
// requested model.
func (r *Router) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	providers := r.snapshot()
	var lastErr error

	for _, p := range providers {
		if !r.tryProvider(ctx, p, req.Model) {
			continue
		}

		start := time.Now()
		resp, err := p.Generate(ctx, req)
		r.record(p.Name(), time.Since(start), err)

		if err != nil {
			lastErr = err
			r.logger.Warn("provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
	}
	return nil, fmt.Errorf("no provider available for model %q", req.Model)
}

// GenerateStream routes to the first available streaming-capable provider.
func (r *Router) GenerateStream(ctx context.Context, req *GenerateRequest, deltaCh chan<- StreamChunk) (*Response, error) {
	providers := r.snapshot()
	var lastErr error

	for _, p := range providers {
		if !r.tryProvider(ctx, p, req.Model) {
			continue
		}

		start := time.Now()
		resp, err := p.GenerateStream(ctx, req, deltaCh)
		r.record(p.Name(), time.Since(start), err)

		if err != nil {
			lastErr = err
			r.logger.Warn("streaming provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all streaming providers failed, last error: %w", lastErr)
	}
	return nil, fmt.Errorf("no streaming provider available for model %q", req.Model)
}

func (r *Router) snapshot() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	return providers
}

func (r *Router) tryProvider(ctx context.Context, p Provider, model string) bool {
	if !p.SupportsModel(model) || !p.IsAvailable(ctx) {
		return false
	}
	r.mu.RLock()
	cb := r.breakers[p.Name()]
	r.mu.RUnlock()
	if cb != nil && !cb.Allow() {
		r.logger.Debug("provider circuit open, skipping", zap.String("provider", p.Name()))
		return false
	}
	return true
}

func (r *Router) record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	if s, ok := r.stats[name]; ok {
		s.TotalCalls++
		s.LastLatency = latency
		if err != nil {
			s.FailureCount++
		}
	}
	cb := r.breakers[name]
	r.mu.Unlock()

	if cb == nil {
		return
	}
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
}

// ListProviders returns names, status, and performance stats of all
// registered providers.
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []ProviderStatus
	for _, p := range r.providers {
		ps := ProviderStatus{
			Name:      p.Name(),
			Models:    p.Models(),
			Available: p.IsAvailable(ctx),
		}
		if s, ok := r.stats[p.Name()]; ok {
			ps.TotalCalls = s.TotalCalls
			ps.FailureCount = s.FailureCount
			ps.LastLatencyMs = float64(s.LastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[p.Name()]; ok {
			ps.CircuitState = cb.State().String()
		}
		result = append(result, ps)
	}
	return result
}

type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}
