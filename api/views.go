package api

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/perpindexer/types"
)

// x6ToDecimal renders a ×10⁶ fixed-point field as a decimal.Decimal, the
// one place raw int64 price fields are converted for display rather than
// left as the wire-format integers the store and chain speak internally.
func x6ToDecimal(x int64) decimal.Decimal {
	return decimal.New(x, -6)
}

func x6PtrToDecimal(x *int64) *decimal.Decimal {
	if x == nil {
		return nil
	}
	d := x6ToDecimal(*x)
	return &d
}

// PositionView is the JSON shape served by GET /position/:id: the fields of
// types.Position minus its timestamps and bucket columns, with every ×10⁶
// price, margin and notional field rendered as a decimal string instead of a
// raw scaled integer. pnlUsd stays the raw ×10⁶ integer string.
type PositionView struct {
	ID           int64               `json:"id"`
	OwnerAddr    string              `json:"ownerAddr"`
	AssetID      int64               `json:"assetId"`
	State        types.PositionState `json:"state"`
	LongSide     bool                `json:"longSide"`
	Lots         int16               `json:"lots"`
	LeverageX    int16               `json:"leverageX"`
	MarginUsd    decimal.Decimal     `json:"marginUsd"`
	EntryPrice   decimal.Decimal     `json:"entryPrice"`
	TargetPrice  decimal.Decimal     `json:"targetPrice"`
	SLPrice      decimal.Decimal     `json:"slPrice"`
	TPPrice      decimal.Decimal     `json:"tpPrice"`
	LiqPrice     decimal.Decimal     `json:"liqPrice"`
	NotionalUsd  decimal.Decimal     `json:"notionalUsd"`
	ExecPrice    *decimal.Decimal    `json:"execPrice,omitempty"`
	CloseReason  *types.CloseReason  `json:"closeReason,omitempty"`
	PnLUsd       *string             `json:"pnlUsd,omitempty"`
	LastTxHash   *string             `json:"lastTxHash,omitempty"`
	LastBlockNum *int64               `json:"lastBlockNum,omitempty"`
}

func toPositionView(p *types.Position) PositionView {
	return PositionView{
		ID:           p.ID,
		OwnerAddr:    p.OwnerAddr,
		AssetID:      p.AssetID,
		State:        p.State,
		LongSide:     p.LongSide,
		Lots:         p.Lots,
		LeverageX:    p.LeverageX,
		MarginUsd:    x6ToDecimal(p.MarginUsd6),
		EntryPrice:   x6ToDecimal(p.EntryX6),
		TargetPrice:  x6ToDecimal(p.TargetX6),
		SLPrice:      x6ToDecimal(p.SLX6),
		TPPrice:      x6ToDecimal(p.TPX6),
		LiqPrice:     x6ToDecimal(p.LiqX6),
		NotionalUsd:  x6ToDecimal(p.NotionalUsd6),
		ExecPrice:    x6PtrToDecimal(p.ExecX6),
		CloseReason:  p.CloseReason,
		PnLUsd:       p.PnLUsd6,
		LastTxHash:   p.LastTxHash,
		LastBlockNum: p.LastBlockNum,
	}
}

// ExposureView renders one (asset, side) aggregate with its derived
// averages as decimals instead of raw ×10⁶ integers.
type ExposureView struct {
	AssetID        int64           `json:"assetId"`
	Side           bool            `json:"side"`
	SumLots        int64           `json:"sumLots"`
	PositionsCount int64           `json:"positionsCount"`
	AvgEntryPrice  decimal.Decimal `json:"avgEntryPrice"`
	AvgLeverageX   int64           `json:"avgLeverageX"`
	AvgLiqPrice    decimal.Decimal `json:"avgLiqPrice"`
}

func toExposureView(e types.ExposureAgg) ExposureView {
	return ExposureView{
		AssetID:        e.AssetID,
		Side:           e.Side,
		SumLots:        e.SumLots,
		PositionsCount: e.PositionsCount,
		AvgEntryPrice:  x6ToDecimal(e.AvgEntryX6()),
		AvgLeverageX:   e.AvgLeverageX(),
		AvgLiqPrice:    x6ToDecimal(e.AvgLiqX6()),
	}
}
