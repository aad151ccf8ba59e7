package usage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/scholar/internal/config"
	"github.com/nugget/scholar/internal/llm"
)

// Tracker records each model round-trip of a session. It keeps running
// totals in memory so the shell can report usage even without a store.
type Tracker struct {
	store     *Store // may be nil
	sessionID string
	pricing   map[string]config.PricingEntry
	logger    *slog.Logger

	mu     sync.Mutex
	totals Summary
	seen   map[string]bool
}

// NewTracker creates a tracker. A nil store keeps totals in memory only.
func NewTracker(store *Store, sessionID string, pricing map[string]config.PricingEntry, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     store,
		sessionID: sessionID,
		pricing:   pricing,
		logger:    logger,
		seen:      make(map[string]bool),
	}
}

// SessionID returns the session the tracker records under.
func (t *Tracker) SessionID() string { return t.sessionID }

// RecordUsage records one model response. Storage failures are logged,
// never returned: usage accounting must not break a query.
func (t *Tracker) RecordUsage(ctx context.Context, queryID string, iteration int, resp *llm.ChatResponse) {
	if resp == nil {
		return
	}
	cost := ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, t.pricing)

	t.mu.Lock()
	t.totals.TotalRecords++
	if !t.seen[queryID] {
		t.seen[queryID] = true
		t.totals.TotalQueries++
	}
	t.totals.TotalInputTokens += int64(resp.InputTokens)
	t.totals.TotalOutputTokens += int64(resp.OutputTokens)
	t.totals.TotalCostUSD += cost
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	err := t.store.Record(ctx, Record{
		SessionID:    t.sessionID,
		QueryID:      queryID,
		Iteration:    iteration,
		Model:        resp.Model,
		Provider:     resp.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
	})
	if err != nil {
		t.logger.Warn("failed to record usage", "query_id", queryID, "error", err)
	}
}

// Totals returns the in-memory totals for this session.
func (t *Tracker) Totals() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}
