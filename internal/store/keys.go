package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Record prefixes. Every key is a pure function of the record's identifying
// fields so external indexers can rebuild state by prefix scans.
const (
	PrefixMarket           = "market/"
	PrefixMarketParams     = "market-params/"
	PrefixMarketState      = "market-state/"
	PrefixAsset            = "asset/"
	PrefixOrder            = "order/"
	PrefixPosition         = "position/"
	PrefixAccountOrders    = "account-orders/"
	PrefixAccountPositions = "account-positions/"
	PrefixMarketPositions  = "market-positions/"
	PrefixClaimable        = "claimable/"
	PrefixAdl              = "adl/"
	PrefixRole             = "role/"

	KeyOrderNonce = "nonce/order"
)

// PositionKey hashes (account, market, collateral asset, direction).
func PositionKey(account common.Address, market, collateralAsset string, isLong bool) string {
	h := sha256.New()
	h.Write([]byte("position"))
	h.Write(account.Bytes())
	writeString(h, market)
	writeString(h, collateralAsset)
	if isLong {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OrderKey hashes (account, nonce).
func OrderKey(account common.Address, nonce uint64) string {
	h := sha256.New()
	h.Write([]byte("order"))
	h.Write(account.Bytes())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

// writeString length-prefixes s so adjacent fields cannot alias.
func writeString(w byteWriter, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	w.Write(buf[:])
	w.Write([]byte(s))
}

func MarketRecordKey(market string) string { return PrefixMarket + market }
func MarketParamsKey(market string) string { return PrefixMarketParams + market }
func MarketStateKey(market string) string  { return PrefixMarketState + market }
func AssetKey(symbol string) string        { return PrefixAsset + symbol }
func OrderRecordKey(orderKey string) string {
	return PrefixOrder + orderKey
}
func PositionRecordKey(positionKey string) string {
	return PrefixPosition + positionKey
}

func AccountOrdersPrefix(account common.Address) string {
	return PrefixAccountOrders + strings.ToLower(account.Hex()) + "/"
}

func AccountPositionsPrefix(account common.Address) string {
	return PrefixAccountPositions + strings.ToLower(account.Hex()) + "/"
}

func MarketPositionsPrefix(market string) string {
	return PrefixMarketPositions + market + "/"
}

func ClaimableKey(account common.Address, asset string) string {
	return PrefixClaimable + strings.ToLower(account.Hex()) + "/" + asset
}

func AdlKey(market string, isLong bool) string {
	if isLong {
		return PrefixAdl + market + "/long"
	}
	return PrefixAdl + market + "/short"
}

func RoleKey(role string, account common.Address) string {
	return PrefixRole + role + "/" + strings.ToLower(account.Hex())
}

// IndexMember returns the trailing key segment of an index entry.
func IndexMember(indexKey string) string {
	if i := strings.LastIndexByte(indexKey, '/'); i >= 0 {
		return indexKey[i+1:]
	}
	return indexKey
}
