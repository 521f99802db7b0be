// Package ledger records every token movement the settlement engine makes
// as double-entry journals and keeps the claimable balances owed to
// accounts outside the engine.
package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountKind is the top-level namespace of a ledger account.
type AccountKind uint8

const (
	// KindExternal is the boundary: funds entering or leaving the engine.
	KindExternal AccountKind = iota
	// KindEscrow holds an order's collateral deposit and execution fee.
	KindEscrow
	// KindPosition holds a position's collateral.
	KindPosition
	// KindPool is a market's liquidity bucket for one asset.
	KindPool
	// KindClaimable is owed to an address and withdrawable by it.
	KindClaimable
)

var kindNames = [...]string{
	KindExternal:  "external",
	KindEscrow:    "escrow",
	KindPosition:  "position",
	KindPool:      "pool",
	KindClaimable: "claimable",
}

func (k AccountKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Account identifies one balance. Owner is an order key, position key,
// market id or lower-case hex address depending on Kind.
type Account struct {
	Kind  AccountKind `json:"kind"`
	Owner string      `json:"owner"`
	Asset string      `json:"asset"`
}

func External(asset string) Account {
	return Account{Kind: KindExternal, Asset: asset}
}

func Escrow(orderKey, asset string) Account {
	return Account{Kind: KindEscrow, Owner: orderKey, Asset: asset}
}

func PositionAccount(positionKey, asset string) Account {
	return Account{Kind: KindPosition, Owner: positionKey, Asset: asset}
}

func Pool(market, asset string) Account {
	return Account{Kind: KindPool, Owner: market, Asset: asset}
}

func Claimable(addr common.Address, asset string) Account {
	return Account{Kind: KindClaimable, Owner: strings.ToLower(addr.Hex()), Asset: asset}
}

// Address returns the claimant of a claimable account.
func (a Account) Address() common.Address {
	return common.HexToAddress(a.Owner)
}

// Path is the string form used in storage and logs.
func (a Account) Path() string {
	if a.Kind == KindExternal {
		return fmt.Sprintf("external:%s", a.Asset)
	}
	return fmt.Sprintf("%s:%s:%s", a.Kind, a.Owner, a.Asset)
}

func (a Account) String() string { return a.Path() }
