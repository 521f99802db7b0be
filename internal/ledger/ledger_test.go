package ledger_test

import (
	"context"
	"errors"
	"testing"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = testutil.Account("alice")

// ============================================================================
// Test: Account
// ============================================================================

func TestAccount_Paths(t *testing.T) {
	assert.Equal(t, "external:USDC", ledger.External("USDC").Path())
	assert.Equal(t, "pool:ETH-USD:ETH", ledger.Pool("ETH-USD", "ETH").Path())
	assert.Equal(t, "escrow:abc:USDC", ledger.Escrow("abc", "USDC").Path())

	c := ledger.Claimable(alice, "USDC")
	assert.Equal(t, alice, c.Address())
	assert.Contains(t, c.Path(), "claimable:0x")
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_AddSkipsZeroAndReversesNegative(t *testing.T) {
	b := ledger.NewBatch("ref", 100)
	pos := ledger.PositionAccount("p1", "USDC")
	pool := ledger.Pool("ETH-USD", "USDC")

	b.Add(ledger.JournalFeeSettlement, pool, pos, 0)
	require.True(t, b.Empty())

	b.Add(ledger.JournalFeeSettlement, pool, pos, -25)
	require.Len(t, b.Journals, 1)
	j := b.Journals[0]
	assert.Equal(t, pos, j.Debit)
	assert.Equal(t, pool, j.Credit)
	assert.Equal(t, int64(25), j.Amount)
	assert.Equal(t, "USDC", j.Asset)
	assert.Equal(t, b.BatchID, j.BatchID)
	require.NoError(t, b.Validate())
}

func TestBatch_ValidateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *ledger.Journal)
	}{
		{"non-positive amount", func(j *ledger.Journal) { j.Amount = 0 }},
		{"self transfer", func(j *ledger.Journal) { j.Credit = j.Debit }},
		{"asset mismatch", func(j *ledger.Journal) { j.Credit = ledger.Pool("ETH-USD", "ETH") }},
		{"foreign batch", func(j *ledger.Journal) { j.BatchID = uuid.New() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ledger.NewBatch("ref", 1)
			b.Add(ledger.JournalPayout, ledger.Claimable(alice, "USDC"), ledger.Pool("ETH-USD", "USDC"), 10)
			tt.mutate(&b.Journals[0])
			assert.Error(t, b.Validate())
		})
	}
}

func TestBatch_NetFlowsBalance(t *testing.T) {
	b := ledger.NewBatch("ref", 1)
	escrow := ledger.Escrow("o1", "USDC")
	pos := ledger.PositionAccount("p1", "USDC")
	pool := ledger.Pool("ETH-USD", "USDC")
	b.Add(ledger.JournalCollateralDeposit, pos, escrow, 1000)
	b.Add(ledger.JournalFeeSettlement, pool, pos, 7)

	flows := b.NetFlows()
	assert.Equal(t, int64(-1000), flows[escrow])
	assert.Equal(t, int64(993), flows[pos])
	assert.Equal(t, int64(7), flows[pool])

	var total int64
	for _, v := range flows {
		total += v
	}
	assert.Zero(t, total)
}

// ============================================================================
// Test: Vault
// ============================================================================

func TestVault_ApplyCreditsAndClaims(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	v := ledger.NewVault(nil)

	tx := store.Begin(backend)
	b := ledger.NewBatch("o1", 1)
	b.Add(ledger.JournalRefund, ledger.Claimable(alice, "USDC"), ledger.Escrow("o1", "USDC"), 500)
	b.Add(ledger.JournalPayout, ledger.Claimable(alice, "USDC"), ledger.Pool("ETH-USD", "USDC"), 250)
	require.NoError(t, v.Apply(ctx, tx, b))
	require.NoError(t, tx.Commit(ctx))

	got, err := v.Claimable(ctx, backend, alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(750), got)

	tx = store.Begin(backend)
	claim := ledger.NewBatch("claim", 2)
	amount, err := v.Claim(ctx, tx, claim, alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(750), amount)
	require.Len(t, claim.Journals, 1)
	assert.Equal(t, ledger.KindExternal, claim.Journals[0].Debit.Kind)
	require.NoError(t, v.Apply(ctx, tx, claim))
	require.NoError(t, tx.Commit(ctx))

	got, err = v.Claimable(ctx, backend, alice, "USDC")
	require.NoError(t, err)
	assert.Zero(t, got)
	_, ok, err := backend.Get(ctx, store.ClaimableKey(alice, "USDC"))
	require.NoError(t, err)
	assert.False(t, ok, "zero balances are deleted")
}

func TestVault_ApplyRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	v := ledger.NewVault(nil)
	tx := store.Begin(store.NewMemoryBackend())

	b := ledger.NewBatch("x", 1)
	b.Add(ledger.JournalClaim, ledger.External("USDC"), ledger.Claimable(alice, "USDC"), 1)
	err := v.Apply(ctx, tx, b)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientClaimable), "got %v", err)
}

func TestVault_NotifyOnlyOutboundLegs(t *testing.T) {
	var seen []ledger.JournalType
	v := ledger.NewVault(ledger.TransferHookFunc(func(_ context.Context, j ledger.Journal) error {
		seen = append(seen, j.Type)
		return nil
	}))

	b := ledger.NewBatch("o1", 1)
	b.Add(ledger.JournalCollateralDeposit, ledger.PositionAccount("p", "USDC"), ledger.Escrow("o1", "USDC"), 10)
	b.Add(ledger.JournalExecutionFee, ledger.Claimable(alice, "USDC"), ledger.Escrow("o1", "USDC"), 1)
	require.NoError(t, v.Notify(context.Background(), b))
	assert.Equal(t, []ledger.JournalType{ledger.JournalExecutionFee}, seen)
}

func TestVault_NotifyReturnsFirstHookError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	v := ledger.NewVault(ledger.TransferHookFunc(func(context.Context, ledger.Journal) error {
		calls++
		return boom
	}))

	b := ledger.NewBatch("o1", 1)
	b.Add(ledger.JournalPayout, ledger.Claimable(alice, "USDC"), ledger.Pool("m", "USDC"), 10)
	b.Add(ledger.JournalPayout, ledger.Claimable(alice, "ETH"), ledger.Pool("m", "ETH"), 10)
	assert.ErrorIs(t, v.Notify(context.Background(), b), boom)
	assert.Equal(t, 2, calls)
}
