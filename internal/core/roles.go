package core

import (
	"context"

	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Role is a privilege checked against the store on every call.
type Role string

const (
	RoleOrderKeeper       Role = "order_keeper"
	RoleFrozenOrderKeeper Role = "frozen_order_keeper"
	RoleAdlKeeper         Role = "adl_keeper"
)

// Roles lists every role the engine checks.
func Roles() []Role {
	return []Role{RoleOrderKeeper, RoleFrozenOrderKeeper, RoleAdlKeeper}
}

func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// GrantRole writes a role membership.
func GrantRole(tx *store.Tx, role Role, addr common.Address) error {
	if !role.Valid() {
		return errors.Errorf("core: unknown role %q", role)
	}
	tx.Put(store.RoleKey(string(role), addr), []byte{1})
	return nil
}

// RevokeRole deletes a role membership.
func RevokeRole(tx *store.Tx, role Role, addr common.Address) {
	tx.Delete(store.RoleKey(string(role), addr))
}

// HasRole reports whether addr holds role.
func HasRole(ctx context.Context, r store.Reader, role Role, addr common.Address) (bool, error) {
	_, ok, err := r.Get(ctx, store.RoleKey(string(role), addr))
	return ok, err
}

func requireRole(ctx context.Context, r store.Reader, role Role, addr common.Address) error {
	ok, err := HasRole(ctx, r, role, addr)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrUnauthorized, "%s is not %s", addr.Hex(), role)
	}
	return nil
}

// Grant commits a role membership through the guard. Deployment seeds roles
// with GrantRole directly.
func (e *Engine) Grant(ctx context.Context, role Role, addr common.Address) error {
	return e.run(ctx, "grant_role", string(role), func(_ context.Context, tx *store.Tx, _ *outcome) error {
		return GrantRole(tx, role, addr)
	})
}

// Revoke removes a role membership through the guard.
func (e *Engine) Revoke(ctx context.Context, role Role, addr common.Address) error {
	return e.run(ctx, "revoke_role", string(role), func(_ context.Context, tx *store.Tx, _ *outcome) error {
		RevokeRole(tx, role, addr)
		return nil
	})
}
