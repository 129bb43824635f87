package plugins

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
	"github.com/powerproxy/powerproxy-aoai/internal/kv"
	"github.com/powerproxy/powerproxy-aoai/internal/metrics"
	"github.com/powerproxy/powerproxy-aoai/internal/proxy"
	"github.com/powerproxy/powerproxy-aoai/pkg/apierr"
)

// LimitUsage enforces a per-client, per-minute token budget.
//
// Each client gets max_tokens_per_minute_in_k * 1000 tokens per wall-clock
// minute. The gate runs at client identification: a client whose budget for
// the current minute is exhausted receives a 429 before any backend is
// contacted. Budgets are decremented when token counts become available, so a
// request admitted late in a minute may overdraw it; the debt surfaces as a
// blocked request in the next minute.
//
// With a kv.Store configured, the minute marker and remaining budget are
// mirrored to the store so replicas share one budget per client. Store
// outages degrade to the local in-memory state.
type LimitUsage struct {
	proxy.NopPlugin
	tokenCounting

	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Registry
	store   kv.Store

	mu      sync.Mutex
	budgets map[string]*minuteBudget

	nowUnix func() int64
}

type minuteBudget struct {
	minute    int64
	remaining float64
}

// NewLimitUsage creates the plugin. store may be nil for purely local
// budgets; the metrics registry may be nil.
func NewLimitUsage(cfg *config.Config, log *slog.Logger, m *metrics.Registry, store kv.Store) *LimitUsage {
	if log == nil {
		log = slog.Default()
	}
	p := &LimitUsage{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   store,
		budgets: make(map[string]*minuteBudget),
		nowUnix: func() int64 { return time.Now().Unix() },
	}
	p.tokenCounting.onCounts = p.consumeTokens
	return p
}

func (p *LimitUsage) Name() string { return "LimitUsage" }

func (p *LimitUsage) OnPrintConfiguration(print func(string)) {
	for _, cl := range p.cfg.Clients {
		if cl.MaxTokensPerMinuteInK != nil {
			print("Client '" + cl.Name + "': " +
				strconv.FormatFloat(*cl.MaxTokensPerMinuteInK, 'f', -1, 64) +
				"k tokens per minute")
		}
	}
}

func (p *LimitUsage) OnClientIdentified(slip *proxy.RoutingSlip) error {
	maxTokens, err := p.maxTokensPerMinute(slip.Client)
	if err != nil {
		return err
	}

	minute := p.nowUnix() / 60

	p.mu.Lock()
	b := p.budgets[slip.Client]
	if b == nil || b.minute != minute {
		b = &minuteBudget{minute: minute, remaining: maxTokens}
		if stored, ok := p.loadBudget(slip.Client, minute); ok {
			b.remaining = stored
		}
		p.budgets[slip.Client] = b
	}
	blocked := b.remaining <= 0
	p.mu.Unlock()

	if blocked {
		p.metrics.RecordRateLimit(slip.Client, "blocked")
		return apierr.Text(fasthttp.StatusTooManyRequests,
			"Too many requests for client '"+slip.Client+"'. Try again later.")
	}
	p.metrics.RecordRateLimit(slip.Client, "allowed")
	return nil
}

func (p *LimitUsage) OnBodyDictFromTargetAvailable(slip *proxy.RoutingSlip) error {
	return p.handleBodyDict(slip)
}

func (p *LimitUsage) OnEndOfTargetResponseStreamReached(slip *proxy.RoutingSlip) error {
	return p.handleStreamEnd(slip)
}

// consumeTokens decrements the client's budget by the request's total tokens.
func (p *LimitUsage) consumeTokens(slip *proxy.RoutingSlip) error {
	if slip.Tokens.Total == nil {
		return nil
	}
	total := float64(*slip.Tokens.Total)

	p.mu.Lock()
	b := p.budgets[slip.Client]
	if b != nil {
		b.remaining -= total
		p.storeBudget(slip.Client, b.minute, b.remaining)
	}
	p.mu.Unlock()

	return nil
}

// maxTokensPerMinute resolves the client's budget in tokens per minute. A
// client without the setting is a configuration error surfaced as a 500, the
// same way a missing deployments_allowed is for AllowDeployments.
func (p *LimitUsage) maxTokensPerMinute(client string) (float64, error) {
	if cl, ok := p.cfg.ClientByName(client); ok && cl.MaxTokensPerMinuteInK != nil {
		return *cl.MaxTokensPerMinuteInK * 1000, nil
	}
	return 0, apierr.Text(fasthttp.StatusInternalServerError,
		"Configuration for client '"+client+"' misses a 'max_tokens_per_minute_in_k' setting. "+
			"This needs to be set when the LimitUsage plugin is enabled.")
}

// loadBudget reads the shared budget for (client, minute) from the store.
// Reports false on a miss, a stale minute or any store problem.
func (p *LimitUsage) loadBudget(client string, minute int64) (float64, bool) {
	if p.store == nil {
		return 0, false
	}
	ctx := context.Background()

	raw, ok := p.store.Get(ctx, "LimitUsage-"+client+"-minute")
	if !ok {
		return 0, false
	}
	storedMinute, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || storedMinute != minute {
		return 0, false
	}

	raw, ok = p.store.Get(ctx, "LimitUsage-"+client+"-budget")
	if !ok {
		return 0, false
	}
	remaining, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return remaining, true
}

// storeBudget mirrors the budget to the store. Best effort.
func (p *LimitUsage) storeBudget(client string, minute int64, remaining float64) {
	if p.store == nil {
		return
	}
	ctx := context.Background()
	p.store.Set(ctx, "LimitUsage-"+client+"-minute", []byte(strconv.FormatInt(minute, 10)))
	p.store.Set(ctx, "LimitUsage-"+client+"-budget", []byte(strconv.FormatFloat(remaining, 'f', -1, 64)))
}
