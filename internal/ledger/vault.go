package ledger

import (
	"context"

	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrInvalidBatch          = errors.New("ledger: invalid journal batch")
	ErrInsufficientClaimable = errors.New("ledger: insufficient claimable balance")
)

// TransferHook observes journals that release funds to an address. It runs
// after the settlement committed and while the engine guard is still held,
// so anything it calls back into the engine is rejected as reentrant.
type TransferHook interface {
	AfterTransfer(ctx context.Context, j Journal) error
}

// TransferHookFunc adapts a function to TransferHook.
type TransferHookFunc func(ctx context.Context, j Journal) error

func (f TransferHookFunc) AfterTransfer(ctx context.Context, j Journal) error { return f(ctx, j) }

type claimableRecord struct {
	Amount int64 `json:"amount"`
}

// Vault applies journal batches to the claimable balances held in the
// store. Escrow, position and pool balances live on their own records; the
// journals for them are the audit trail.
type Vault struct {
	hook TransferHook
}

func NewVault(hook TransferHook) *Vault {
	return &Vault{hook: hook}
}

// SetHook replaces the transfer hook.
func (v *Vault) SetHook(hook TransferHook) {
	v.hook = hook
}

// Claimable returns the balance owed to addr in asset.
func (v *Vault) Claimable(ctx context.Context, r store.Reader, addr common.Address, asset string) (int64, error) {
	rec, _, err := store.Load[claimableRecord](ctx, r, store.ClaimableKey(addr, asset))
	return rec.Amount, err
}

// Apply validates batch and books its claimable legs in tx.
func (v *Vault) Apply(ctx context.Context, tx *store.Tx, batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	if err := batch.Validate(); err != nil {
		return errors.Wrap(ErrInvalidBatch, err.Error())
	}
	for _, j := range batch.Journals {
		if j.Debit.Kind == KindClaimable {
			if err := v.adjust(ctx, tx, j.Debit, j.Amount); err != nil {
				return err
			}
		}
		if j.Credit.Kind == KindClaimable {
			if err := v.adjust(ctx, tx, j.Credit, -j.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Vault) adjust(ctx context.Context, tx *store.Tx, acct Account, delta int64) error {
	key := store.ClaimableKey(acct.Address(), acct.Asset)
	rec, _, err := store.Load[claimableRecord](ctx, tx, key)
	if err != nil {
		return err
	}
	rec.Amount += delta
	if rec.Amount < 0 {
		return errors.Wrapf(ErrInsufficientClaimable, "%s has %d, needs %d", acct, rec.Amount-delta, -delta)
	}
	if rec.Amount == 0 {
		tx.Delete(key)
		return nil
	}
	return store.Save(tx, key, rec)
}

// Claim appends a journal moving the whole claimable balance of addr in
// asset out of the engine and returns the amount. Apply books it.
func (v *Vault) Claim(ctx context.Context, r store.Reader, batch *Batch, addr common.Address, asset string) (int64, error) {
	amount, err := v.Claimable(ctx, r, addr, asset)
	if err != nil {
		return 0, err
	}
	batch.Add(JournalClaim, External(asset), Claimable(addr, asset), amount)
	return amount, nil
}

// Notify runs the transfer hook for every journal that credits a
// claimable balance or leaves the engine. The first hook error is
// returned; later journals are still delivered.
func (v *Vault) Notify(ctx context.Context, batch *Batch) error {
	if v.hook == nil || batch.Empty() {
		return nil
	}
	var first error
	for _, j := range batch.Journals {
		if j.Debit.Kind != KindClaimable && j.Debit.Kind != KindExternal {
			continue
		}
		if err := v.hook.AfterTransfer(ctx, j); err != nil && first == nil {
			first = err
		}
	}
	return first
}
