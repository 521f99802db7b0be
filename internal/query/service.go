// Package query serves read-only views of settlement state. Records are
// read directly from the store; journal history and integrity checks read
// the persisted event log.
package query

import (
	"context"
	"database/sql"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ErrHistoryUnavailable is returned by the event log queries when the
// service runs without a database.
var ErrHistoryUnavailable = errors.New("query: event log not configured")

// TipFunc reports the last published sequence and state hash.
type TipFunc func() (int64, event.Hash)

// Service provides read-only access to settlement state. All responses
// carry as_of_sequence for freshness semantics.
type Service struct {
	r     store.Reader
	vault *ledger.Vault
	tip   TipFunc
	db    *sql.DB
}

// NewService builds a query service. db may be nil, in which case journal
// history and integrity checks return ErrHistoryUnavailable.
func NewService(r store.Reader, vault *ledger.Vault, tip TipFunc, db *sql.DB) *Service {
	if tip == nil {
		tip = func() (int64, event.Hash) { return 0, event.Hash{} }
	}
	return &Service{r: r, vault: vault, tip: tip, db: db}
}

func (s *Service) asOf() int64 {
	seq, _ := s.tip()
	return seq
}

// Status returns the engine tip.
func (s *Service) Status() StatusResponse {
	seq, h := s.tip()
	return StatusResponse{Sequence: seq, StateHash: h}
}

// GetMarket returns a market with its params, state and ADL gates.
func (s *Service) GetMarket(ctx context.Context, id string) (*MarketResponse, error) {
	asOf := s.asOf()
	m, err := market.LoadMarket(ctx, s.r, id)
	if err != nil {
		return nil, err
	}
	params, err := market.LoadParams(ctx, s.r, id)
	if err != nil {
		return nil, err
	}
	st, err := market.LoadState(ctx, s.r, id)
	if err != nil {
		return nil, err
	}
	adlLong, err := market.LoadAdlState(ctx, s.r, id, true)
	if err != nil {
		return nil, err
	}
	adlShort, err := market.LoadAdlState(ctx, s.r, id, false)
	if err != nil {
		return nil, err
	}
	poolLong, err := s.formatAmount(ctx, m.LongAsset, st.PoolAmountLong)
	if err != nil {
		return nil, err
	}
	poolShort, err := s.formatAmount(ctx, m.ShortAsset, st.PoolAmountShort)
	if err != nil {
		return nil, err
	}
	return &MarketResponse{
		Market:       m,
		Params:       params,
		State:        st,
		AdlLong:      adlLong,
		AdlShort:     adlShort,
		PoolLong:     poolLong,
		PoolShort:    poolShort,
		OILong:       fpmath.FormatUSD(st.OpenInterestLong),
		OIShort:      fpmath.FormatUSD(st.OpenInterestShort),
		AsOfSequence: asOf,
	}, nil
}

// GetPosition returns a single position by key.
func (s *Service) GetPosition(ctx context.Context, key string) (*PositionResponse, error) {
	p, err := state.MustLoadPosition(ctx, s.r, key)
	if err != nil {
		return nil, err
	}
	return s.positionView(ctx, p)
}

// GetOrder returns a single pending or frozen order by key.
func (s *Service) GetOrder(ctx context.Context, key string) (*OrderResponse, error) {
	o, err := state.MustLoadOrder(ctx, s.r, key)
	if err != nil {
		return nil, err
	}
	return s.orderView(ctx, o)
}

// ListAccountPositions pages through an account's positions in key order.
func (s *Service) ListAccountPositions(ctx context.Context, account common.Address, cursor string, limit int) (*Page[PositionResponse], error) {
	asOf := s.asOf()
	members, next, more, err := s.scanIndex(ctx, store.AccountPositionsPrefix(account), cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &Page[PositionResponse]{Items: make([]PositionResponse, 0, len(members)), Cursor: next, HasMore: more, AsOfSequence: asOf}
	for _, key := range members {
		p, err := state.MustLoadPosition(ctx, s.r, key)
		if err != nil {
			return nil, errors.Wrap(err, "query: dangling position index")
		}
		v, err := s.positionView(ctx, p)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *v)
	}
	return page, nil
}

// ListAccountOrders pages through an account's open orders in key order.
func (s *Service) ListAccountOrders(ctx context.Context, account common.Address, cursor string, limit int) (*Page[OrderResponse], error) {
	asOf := s.asOf()
	members, next, more, err := s.scanIndex(ctx, store.AccountOrdersPrefix(account), cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &Page[OrderResponse]{Items: make([]OrderResponse, 0, len(members)), Cursor: next, HasMore: more, AsOfSequence: asOf}
	for _, key := range members {
		o, err := state.MustLoadOrder(ctx, s.r, key)
		if err != nil {
			return nil, errors.Wrap(err, "query: dangling order index")
		}
		v, err := s.orderView(ctx, o)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *v)
	}
	return page, nil
}

// GetAdlState returns one side's ADL gate.
func (s *Service) GetAdlState(ctx context.Context, marketID string, isLong bool) (*AdlResponse, error) {
	asOf := s.asOf()
	if _, err := market.LoadMarket(ctx, s.r, marketID); err != nil {
		return nil, err
	}
	st, err := market.LoadAdlState(ctx, s.r, marketID, isLong)
	if err != nil {
		return nil, err
	}
	return &AdlResponse{
		Market:          marketID,
		IsLong:          isLong,
		Enabled:         st.Enabled,
		PnlToPoolFactor: fpmath.FormatFactor(st.PnlToPoolFactor),
		UpdatedAt:       st.UpdatedAt,
		AsOfSequence:    asOf,
	}, nil
}

// GetJournalHistory returns journals touching ref (an order or position
// key) or owner (a lower-case address) newest first. beforeSequence of 0
// starts at the tip.
func (s *Service) GetJournalHistory(ctx context.Context, owner string, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	limit = clampLimit(limit)
	pattern := "%:" + owner + ":%"

	query := `
		SELECT journal_id, batch_id, ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (ref = $1 OR debit_account LIKE $2 OR credit_account LIKE $2)
		  AND ($3 = 0 OR sequence < $3)
		ORDER BY sequence DESC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query, owner, pattern, beforeSequence, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query: journal history")
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Ref, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity of the persisted event log
// and that its last hash matches the engine tip.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query: hash chain")
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastHash []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1
	`).Scan(&report.LastSequence, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "query: last event")
	}

	tipSeq, tipHash := s.tip()
	report.TipMatches = report.LastSequence == tipSeq &&
		(tipSeq == 0 || string(lastHash) == string(tipHash[:]))
	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.TipMatches
	return report, nil
}

// --- helpers ---

// scanIndex reads up to limit members of an index after cursor. The next
// cursor is the last member returned.
func (s *Service) scanIndex(ctx context.Context, prefix, cursor string, limit int) ([]string, string, bool, error) {
	limit = clampLimit(limit)
	after := ""
	if cursor != "" {
		after = prefix + cursor
	}
	kvs, err := s.r.Scan(ctx, prefix, after, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	more := len(kvs) > limit
	if more {
		kvs = kvs[:limit]
	}
	members := make([]string, len(kvs))
	for i, kv := range kvs {
		members[i] = store.IndexMember(kv.Key)
	}
	next := ""
	if len(members) > 0 {
		next = members[len(members)-1]
	}
	return members, next, more, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}

func (s *Service) positionView(ctx context.Context, p *state.Position) (*PositionResponse, error) {
	collateral, err := s.formatAmount(ctx, p.CollateralAsset, p.CollateralAmount)
	if err != nil {
		return nil, err
	}
	return &PositionResponse{
		Position:   *p,
		Size:       fpmath.FormatUSD(p.SizeUsd),
		Collateral: collateral,
		Entry:      fpmath.FormatUSD(p.EntryPrice),
	}, nil
}

func (s *Service) orderView(ctx context.Context, o *state.Order) (*OrderResponse, error) {
	deposit, err := s.formatAmount(ctx, o.CollateralAsset, o.CollateralDeltaAmount)
	if err != nil {
		return nil, err
	}
	v := &OrderResponse{
		Order:    *o,
		Size:     fpmath.FormatUSD(o.SizeDeltaUsd),
		Deposit:  deposit,
		Escrowed: o.Escrowed(),
	}
	if o.TriggerPrice > 0 {
		v.Trigger = fpmath.FormatUSD(o.TriggerPrice)
	}
	return v, nil
}

func (s *Service) formatAmount(ctx context.Context, asset string, amount int64) (string, error) {
	a, err := market.LoadAsset(ctx, s.r, asset)
	if err != nil {
		return "", err
	}
	return fpmath.ToDecimal(amount, a.Decimals).String(), nil
}
