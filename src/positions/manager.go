package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var ErrPositionNotFound = errors.New("position not found")

// TradeMirror is the optional database sink for completed trades. Mirror
// failures are logged and swallowed; the JSON ledger stays authoritative.
type TradeMirror interface {
	Record(ctx context.Context, trade *model.TradeRecord) error
}

// ExitRequest describes one termination of a position. Ordinary exits carry
// a Gateway so the broker-side position is closed first; reconciliation sets
// LocalOnly because the exchange already reports the position gone. The
// reversal orchestrator sets SkipTradeLog for the inner first-leg close it
// folds into the reversed record.
type ExitRequest struct {
	PositionID    string
	Gateway       broker.Gateway
	ExitPrice     *decimal.Decimal
	UnrealizedPnL *decimal.Decimal
	Reason        string
	LocalOnly     bool
	SkipTradeLog  bool
}

// Manager is the sole owner of the active-position map and the append-only
// completed-trade ledger. Every mutation is persisted before it returns.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*model.Position
	trades  []*model.Position
	persist Persister
	mirror  TradeMirror
	now     func() time.Time
}

func NewManager(persist Persister) (*Manager, error) {
	active, trades, err := persist.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted positions: %w", err)
	}
	if active == nil {
		active = make(map[string]*model.Position)
	}

	m := &Manager{
		active:  active,
		trades:  trades,
		persist: persist,
		now:     time.Now,
	}

	if len(active) > 0 {
		logger.WithField("count", len(active)).Info("[positions] resumed active positions from disk")
	}
	return m, nil
}

// WithMirror attaches the optional trade database.
func (m *Manager) WithMirror(mirror TradeMirror) *Manager {
	m.mirror = mirror
	return m
}

// WithClock overrides the clock; tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Add registers a freshly opened position. The position id must be new.
func (m *Manager) Add(pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[pos.PositionID]; exists {
		return fmt.Errorf("position %s already tracked", pos.PositionID)
	}
	pos.Normalize()
	m.active[pos.PositionID] = pos
	return m.saveStateLocked()
}

func (m *Manager) Get(positionID string) (*model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.active[positionID]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// ListActive returns clones of all active positions, oldest entry first.
func (m *Manager) ListActive() []*model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.Position, 0, len(m.active))
	for _, pos := range m.active {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// MarkFundingReceived flips funding_received once and books the credit.
// Later calls may only raise the amount (a verified credit replacing a low
// estimate), never lower it.
func (m *Manager) MarkFundingReceived(positionID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.active[positionID]
	if !ok {
		return ErrPositionNotFound
	}

	if pos.FundingReceived {
		if amount.GreaterThan(pos.FundingAmount) {
			pos.FundingAmount = amount
			return m.saveStateLocked()
		}
		return nil
	}

	pos.FundingReceived = true
	pos.FundingAmount = amount
	logger.WithFields(map[string]interface{}{
		"position_id": positionID,
		"funding":     amount.String(),
	}).Info("[positions] funding credit booked")
	return m.saveStateLocked()
}

// ObservePnL records the running peak of total PnL used by the trailing
// stop. Saves only when the peak moves.
func (m *Manager) ObservePnL(positionID string, totalPnL decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.active[positionID]
	if !ok {
		return ErrPositionNotFound
	}
	if totalPnL.LessThanOrEqual(pos.HighestPnL) {
		return nil
	}
	pos.HighestPnL = totalPnL
	return m.saveStateLocked()
}

// AppendTrade books a completed trade straight into the ledger without
// touching the active map. Used when a reversal's second leg fails to open
// and the first leg's economics must not be lost.
func (m *Manager) AppendTrade(pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades = append(m.trades, pos.Clone())
	if err := m.persist.SaveTrades(m.trades); err != nil {
		return err
	}
	m.recordMirrorLocked(pos)
	return nil
}

// ExecuteExit closes a position and retires its record: broker close (unless
// LocalOnly), realized PnL computation, ledger append, removal from the
// active map, persistence. A broker close that fails while the exchange
// independently confirms the position absent is treated as a forced,
// successful close with an annotated reason. Calling it again for the same
// id returns ErrPositionNotFound and changes nothing.
func (m *Manager) ExecuteExit(ctx context.Context, req ExitRequest) (*model.Position, error) {
	m.mu.Lock()
	if _, ok := m.active[req.PositionID]; !ok {
		m.mu.Unlock()
		logger.WithField("position_id", req.PositionID).Warn("[positions] exit requested for untracked position")
		return nil, ErrPositionNotFound
	}
	m.mu.Unlock()

	reason := req.Reason
	if !req.LocalOnly {
		if req.Gateway == nil {
			return nil, fmt.Errorf("exit for %s needs a gateway unless LocalOnly", req.PositionID)
		}
		if err := req.Gateway.Close(ctx, req.PositionID); err != nil {
			// The close call failed; only a confirmed-absent position may
			// proceed. Unknown means hold and retry next tick.
			state := broker.ResolveState(ctx, req.Gateway, req.PositionID)
			if state != broker.StateClosed {
				return nil, fmt.Errorf("broker close failed for %s (state %s): %w", req.PositionID, state, err)
			}
			logger.WithError(err).WithField("position_id", req.PositionID).
				Warn("[positions] close failed but position confirmed absent, forcing local close")
			reason = reason + " (forced: close failed, confirmed flat on exchange)"
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under lock: the broker call ran unlocked.
	pos, ok := m.active[req.PositionID]
	if !ok {
		return nil, ErrPositionNotFound
	}

	exitTime := m.now().UTC()
	pos.ExitTime = &exitTime
	pos.ExitReason = reason
	pos.ExitPrice = req.ExitPrice

	unrealized := decimal.Zero
	if req.UnrealizedPnL != nil {
		unrealized = *req.UnrealizedPnL
	}
	realized := unrealized.Add(pos.FundingAmount).Add(pos.FirstLegTotal())
	pos.RealizedPnL = &realized

	delete(m.active, req.PositionID)
	if !req.SkipTradeLog {
		m.trades = append(m.trades, pos)
	}

	if err := m.saveStateLocked(); err != nil {
		return nil, err
	}
	if !req.SkipTradeLog {
		if err := m.persist.SaveTrades(m.trades); err != nil {
			return nil, err
		}
		m.recordMirrorLocked(pos)
	}

	logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"symbol":      pos.Symbol,
		"phase":       pos.Phase,
		"pnl":         realized.String(),
		"reason":      reason,
	}).Info("[positions] position closed")

	return pos.Clone(), nil
}

// Trades returns clones of the completed-trade ledger, oldest first.
func (m *Manager) Trades() []*model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*model.Position, 0, len(m.trades))
	for _, pos := range m.trades {
		out = append(out, pos.Clone())
	}
	return out
}

// Stats aggregates the ledger for /stats, the stats command and the daily
// summary.
type Stats struct {
	TotalTrades      int
	Wins             int
	Losses           int
	WinRatePercent   decimal.Decimal
	TotalPnL         decimal.Decimal
	FundingCollected decimal.Decimal
	AvgHoldMinutes   decimal.Decimal
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		WinRatePercent:   decimal.Zero,
		TotalPnL:         decimal.Zero,
		FundingCollected: decimal.Zero,
		AvgHoldMinutes:   decimal.Zero,
	}

	var holdMinutes decimal.Decimal
	for _, pos := range m.trades {
		stats.TotalTrades++
		if pos.RealizedPnL != nil {
			stats.TotalPnL = stats.TotalPnL.Add(*pos.RealizedPnL)
			if pos.RealizedPnL.IsPositive() {
				stats.Wins++
			} else {
				stats.Losses++
			}
		}
		stats.FundingCollected = stats.FundingCollected.Add(pos.FundingAmount)
		if pos.FirstLegFunding != nil {
			stats.FundingCollected = stats.FundingCollected.Add(*pos.FirstLegFunding)
		}
		if pos.ExitTime != nil {
			holdMinutes = holdMinutes.Add(decimal.NewFromFloat(pos.ExitTime.Sub(pos.EntryTime).Minutes()))
		}
	}

	if stats.TotalTrades > 0 {
		total := decimal.NewFromInt(int64(stats.TotalTrades))
		stats.WinRatePercent = decimal.NewFromInt(int64(stats.Wins)).
			Mul(decimal.NewFromInt(100)).Div(total).Round(2)
		stats.AvgHoldMinutes = holdMinutes.Div(total).Round(2)
	}
	return stats
}

func (m *Manager) saveStateLocked() error {
	return m.persist.SaveState(m.active, m.now().UTC())
}

func (m *Manager) recordMirrorLocked(pos *model.Position) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.mirror.Record(ctx, model.NewTradeRecord(pos)); err != nil {
		logger.WithError(err).WithField("position_id", pos.PositionID).
			Warn("[positions] trade mirror write failed")
	}
}
