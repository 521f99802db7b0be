// Package ingestion turns executor commands arriving over NATS or gRPC into
// engine calls, serialised through a single dispatcher goroutine, and
// publishes committed events back to NATS.
package ingestion

import (
	"context"

	"PerpSettle/internal/core"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/risk"
	"github.com/ethereum/go-ethereum/common"
)

// Executor is the engine surface commands drive.
type Executor interface {
	CreateOrder(ctx context.Context, p core.CreateOrderParams) (string, error)
	UpdateOrder(ctx context.Context, caller common.Address, key string, p core.UpdateOrderParams) error
	CancelOrder(ctx context.Context, caller common.Address, key string) error
	ExecuteOrder(ctx context.Context, keeper common.Address, key string, atts []oracle.Attestation) error
	ExecuteFrozenOrder(ctx context.Context, keeper common.Address, key string, atts []oracle.Attestation) error
	Liquidate(ctx context.Context, caller common.Address, positionKey string, atts []oracle.Attestation) error
	UpdateAdlState(ctx context.Context, keeper common.Address, marketID string, isLong bool, atts []oracle.Attestation) (market.AdlState, error)
	ExecuteAdl(ctx context.Context, keeper common.Address, marketID string, isLong bool, sizeDeltaUsd int64, atts []oracle.Attestation) (risk.AdlResult, error)
	Claim(ctx context.Context, caller common.Address, asset string) (int64, error)
}

var _ Executor = (*core.Engine)(nil)

// Command is one request to the engine.
type Command interface {
	Name() string
	ID() string
	Apply(ctx context.Context, eng Executor) (interface{}, error)
}

// Meta carries the submitter-chosen command id used for deduplication.
type Meta struct {
	CommandID string `json:"command_id" validate:"required,max=128"`
}

func (m Meta) ID() string { return m.CommandID }

type CreateOrder struct {
	Meta
	core.CreateOrderParams
}

func (CreateOrder) Name() string { return "create_order" }

func (c CreateOrder) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	key, err := eng.CreateOrder(ctx, c.CreateOrderParams)
	if err != nil {
		return nil, err
	}
	return map[string]string{"order_key": key}, nil
}

type UpdateOrder struct {
	Meta
	Caller common.Address `json:"caller" validate:"required"`
	Key    string         `json:"key" validate:"required"`
	core.UpdateOrderParams
}

func (UpdateOrder) Name() string { return "update_order" }

func (c UpdateOrder) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	return nil, eng.UpdateOrder(ctx, c.Caller, c.Key, c.UpdateOrderParams)
}

type CancelOrder struct {
	Meta
	Caller common.Address `json:"caller" validate:"required"`
	Key    string         `json:"key" validate:"required"`
}

func (CancelOrder) Name() string { return "cancel_order" }

func (c CancelOrder) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	return nil, eng.CancelOrder(ctx, c.Caller, c.Key)
}

type ExecuteOrder struct {
	Meta
	Keeper       common.Address       `json:"keeper" validate:"required"`
	Key          string               `json:"key" validate:"required"`
	Attestations []oracle.Attestation `json:"attestations" validate:"required,min=1"`
}

func (ExecuteOrder) Name() string { return "execute_order" }

func (c ExecuteOrder) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	return nil, eng.ExecuteOrder(ctx, c.Keeper, c.Key, c.Attestations)
}

type ExecuteFrozenOrder struct {
	ExecuteOrder
}

func (ExecuteFrozenOrder) Name() string { return "execute_frozen_order" }

func (c ExecuteFrozenOrder) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	return nil, eng.ExecuteFrozenOrder(ctx, c.Keeper, c.Key, c.Attestations)
}

type Liquidate struct {
	Meta
	Caller       common.Address       `json:"caller" validate:"required"`
	PositionKey  string               `json:"position_key" validate:"required"`
	Attestations []oracle.Attestation `json:"attestations" validate:"required,min=1"`
}

func (Liquidate) Name() string { return "liquidate" }

func (c Liquidate) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	return nil, eng.Liquidate(ctx, c.Caller, c.PositionKey, c.Attestations)
}

type UpdateAdlState struct {
	Meta
	Keeper       common.Address       `json:"keeper" validate:"required"`
	Market       string               `json:"market" validate:"required"`
	IsLong       bool                 `json:"is_long"`
	Attestations []oracle.Attestation `json:"attestations" validate:"required,min=1"`
}

func (UpdateAdlState) Name() string { return "update_adl_state" }

func (c UpdateAdlState) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	st, err := eng.UpdateAdlState(ctx, c.Keeper, c.Market, c.IsLong, c.Attestations)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type ExecuteAdl struct {
	Meta
	Keeper       common.Address       `json:"keeper" validate:"required"`
	Market       string               `json:"market" validate:"required"`
	IsLong       bool                 `json:"is_long"`
	SizeDeltaUsd int64                `json:"size_delta_usd" validate:"gt=0"`
	Attestations []oracle.Attestation `json:"attestations" validate:"required,min=1"`
}

func (ExecuteAdl) Name() string { return "execute_adl" }

func (c ExecuteAdl) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	res, err := eng.ExecuteAdl(ctx, c.Keeper, c.Market, c.IsLong, c.SizeDeltaUsd, c.Attestations)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type Claim struct {
	Meta
	Caller common.Address `json:"caller" validate:"required"`
	Asset  string         `json:"asset" validate:"required"`
}

func (Claim) Name() string { return "claim" }

func (c Claim) Apply(ctx context.Context, eng Executor) (interface{}, error) {
	amount, err := eng.Claim(ctx, c.Caller, c.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"amount": amount}, nil
}
