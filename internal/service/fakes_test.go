package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// memStore is the shared in-memory state behind the per-interface views below.
// The store interfaces reuse method names with different signatures, so one
// struct cannot satisfy all of them; memExecutions, memTrades and memPositions
// wrap the same memStore instead.
type memStore struct {
	mu        sync.Mutex
	execs     map[string]domain.Execution
	trades    map[string]domain.MatchedTrade
	positions map[string]domain.OpenPosition

	// failSymbols primes Apply to fail n times for a symbol.
	failSymbols map[string]int
	applies     int
}

func newMemStore() *memStore {
	return &memStore{
		execs:       make(map[string]domain.Execution),
		trades:      make(map[string]domain.MatchedTrade),
		positions:   make(map[string]domain.OpenPosition),
		failSymbols: make(map[string]int),
	}
}

func posKey(userID, symbol string) string { return userID + "/" + symbol }

func (m *memStore) tradesFor(userID, symbol string) []domain.MatchedTrade {
	var out []domain.MatchedTrade
	for _, t := range m.trades {
		if t.UserID == userID && (symbol == "" || t.Symbol == symbol) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SellTime.Equal(out[j].SellTime) {
			return out[i].BuyTime.Before(out[j].BuyTime)
		}
		return out[i].SellTime.Before(out[j].SellTime)
	})
	return out
}

// deleteExecution simulates a data-management deletion that orphans matched
// trades.
func (m *memStore) deleteExecution(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.execs, id)
}

// setPosition seeds (or corrupts) a stored position directly.
func (m *memStore) setPosition(p domain.OpenPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(p.UserID, p.Symbol)] = p
}

// --- domain.ReconcileStore ---

func (m *memStore) Apply(_ context.Context, delta domain.SymbolDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applies++
	if n := m.failSymbols[delta.Symbol]; n > 0 {
		m.failSymbols[delta.Symbol] = n - 1
		return fmt.Errorf("induced failure for %s", delta.Symbol)
	}

	if delta.ResetDerived {
		for id, t := range m.trades {
			if t.UserID == delta.UserID && t.Symbol == delta.Symbol {
				delete(m.trades, id)
			}
		}
		for id, e := range m.execs {
			if e.UserID == delta.UserID && e.Symbol == delta.Symbol {
				e.MatchedQuantity = decimal.Zero
				e.RemainingQuantity = e.Quantity
				e.FullyMatched = false
				m.execs[id] = e
			}
		}
	}

	for _, t := range delta.Matched {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.CreatedAt = time.Now().UTC()
		m.trades[t.ID] = t
	}
	for _, c := range delta.Consumption {
		e, ok := m.execs[c.ExecutionID]
		if !ok {
			continue
		}
		e.MatchedQuantity = c.Matched
		e.RemainingQuantity = c.Remaining
		e.FullyMatched = c.FullyMatched
		m.execs[c.ExecutionID] = e
	}
	if delta.RemovePosition {
		delete(m.positions, posKey(delta.UserID, delta.Symbol))
	} else if delta.Position != nil {
		// Same semantics as the SQL upsert: lifecycle flags on an existing
		// row are never overwritten by the reconcile path.
		p := *delta.Position
		if prev, ok := m.positions[posKey(delta.UserID, delta.Symbol)]; ok {
			p.LongTerm = prev.LongTerm
			p.ClosedManually = prev.ClosedManually
			p.CloseReason = prev.CloseReason
		}
		m.positions[posKey(delta.UserID, delta.Symbol)] = p
	}
	return nil
}

// ---------------------------------------------------------------------------
// memExecutions
// ---------------------------------------------------------------------------

type memExecutions struct{ s *memStore }

func (m *memExecutions) InsertBatch(_ context.Context, execs []domain.Execution) ([]domain.Execution, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var inserted []domain.Execution
	for _, e := range execs {
		if e.ExternalID != "" && m.hasExternalLocked(e.UserID, e.ExternalID) {
			continue
		}
		e.CreatedAt = time.Now().UTC()
		m.s.execs[e.ID] = e
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (m *memExecutions) hasExternalLocked(userID, externalID string) bool {
	for _, e := range m.s.execs {
		if e.UserID == userID && e.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (m *memExecutions) GetByID(_ context.Context, id string) (domain.Execution, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (m *memExecutions) ListBySymbol(_ context.Context, userID, symbol string) ([]domain.Execution, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Execution
	for _, e := range m.s.execs {
		if e.UserID == userID && e.Symbol == symbol {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out, nil
}

func (m *memExecutions) ListSymbols(_ context.Context, userID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range m.s.execs {
		if e.UserID == userID && !seen[e.Symbol] {
			seen[e.Symbol] = true
			out = append(out, e.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memExecutions) NetQuantity(_ context.Context, userID, symbol string) (decimal.Decimal, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	net := decimal.Zero
	for _, e := range m.s.execs {
		if e.UserID != userID || e.Symbol != symbol {
			continue
		}
		if e.IsBuy() {
			net = net.Add(e.Quantity)
		} else {
			net = net.Sub(e.Quantity)
		}
	}
	return net, nil
}

func (m *memExecutions) LastExecutedAt(_ context.Context, userID string) (time.Time, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var last time.Time
	for _, e := range m.s.execs {
		if e.UserID == userID && e.ExecutedAt.After(last) {
			last = e.ExecutedAt
		}
	}
	return last, nil
}

func (m *memExecutions) ListBefore(_ context.Context, before time.Time) ([]domain.Execution, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Execution
	for _, e := range m.s.execs {
		if e.ExecutedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memExecutions) DeleteByUser(_ context.Context, userID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, e := range m.s.execs {
		if e.UserID == userID {
			delete(m.s.execs, id)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// memTrades
// ---------------------------------------------------------------------------

type memTrades struct{ s *memStore }

func (m *memTrades) ListBySymbol(_ context.Context, userID, symbol string) ([]domain.MatchedTrade, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.tradesFor(userID, symbol), nil
}

func (m *memTrades) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.MatchedTrade, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.tradesFor(userID, opts.Symbol), nil
}

func (m *memTrades) ListOrphaned(_ context.Context, userID string) ([]domain.OrphanedMatch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.OrphanedMatch
	for _, t := range m.s.trades {
		if t.UserID != userID {
			continue
		}
		if _, ok := m.s.execs[t.BuyExecutionID]; !ok {
			out = append(out, domain.OrphanedMatch{MatchedTradeID: t.ID, Symbol: t.Symbol, MissingSide: domain.SideBuy})
			continue
		}
		if _, ok := m.s.execs[t.SellExecutionID]; !ok {
			out = append(out, domain.OrphanedMatch{MatchedTradeID: t.ID, Symbol: t.Symbol, MissingSide: domain.SideSell})
		}
	}
	return out, nil
}

func (m *memTrades) SumMatchedByExecution(_ context.Context, executionID string) (decimal.Decimal, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sum := decimal.Zero
	for _, t := range m.s.trades {
		if t.BuyExecutionID == executionID || t.SellExecutionID == executionID {
			sum = sum.Add(t.Quantity)
		}
	}
	return sum, nil
}

func (m *memTrades) ListBefore(_ context.Context, before time.Time) ([]domain.MatchedTrade, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.MatchedTrade
	for _, t := range m.s.trades {
		if t.SellTime.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// memPositions
// ---------------------------------------------------------------------------

type memPositions struct{ s *memStore }

func (m *memPositions) Get(_ context.Context, userID, symbol string) (domain.OpenPosition, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.positions[posKey(userID, symbol)]
	if !ok {
		return domain.OpenPosition{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) ListByUser(_ context.Context, userID string) ([]domain.OpenPosition, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.OpenPosition
	for _, p := range m.s.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *memPositions) SetFlags(_ context.Context, userID, symbol string, longTerm, closedManually bool, reason string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.positions[posKey(userID, symbol)]
	if !ok {
		return domain.ErrNotFound
	}
	p.LongTerm = longTerm
	p.ClosedManually = closedManually
	p.CloseReason = reason
	m.s.positions[posKey(userID, symbol)] = p
	return nil
}

// ---------------------------------------------------------------------------
// infra fakes
// ---------------------------------------------------------------------------

type memLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLock() *memLock { return &memLock{held: make(map[string]bool)} }

func (l *memLock) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus { return &memBus{messages: make(map[string][][]byte)} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return b.Publish(ctx, stream, payload)
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

// Compile-time interface checks.
var (
	_ domain.ExecutionStore    = (*memExecutions)(nil)
	_ domain.MatchedTradeStore = (*memTrades)(nil)
	_ domain.PositionStore     = (*memPositions)(nil)
	_ domain.ReconcileStore    = (*memStore)(nil)
	_ domain.LockManager       = (*memLock)(nil)
	_ domain.SignalBus         = (*memBus)(nil)
	_ domain.AuditStore        = (*memAudit)(nil)
)
