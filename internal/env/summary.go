package env

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Summary describes how far an episode got towards its mission.
type Summary struct {
	TotalStep  int     `json:"total_step"`
	MissionBuy int64   `json:"mission_buy"`
	StepsUsed  int     `json:"steps_used"`
	LeftStep   int     `json:"left_step"`
	FilledQty  int64   `json:"filled_qty"`
	Remaining  int64   `json:"remaining_qty"`
	Completion float64 `json:"completion"`
	Notional   string  `json:"notional"`
	VWAP       string  `json:"vwap"`
	Complete   bool    `json:"complete"`
}

// Summarize computes execution statistics from the cumulative fill series.
// VWAP is "0.0000" when nothing filled.
func Summarize(info domain.MissionInfo, leftStep int, cumulative domain.Series) Summary {
	notional := decimal.Zero
	var filled int64
	for _, l := range cumulative {
		notional = notional.Add(decimal.NewFromInt(l.Price).Mul(decimal.NewFromInt(l.Qty)))
		filled += l.Qty
	}

	vwap := decimal.Zero
	if filled > 0 {
		vwap = notional.DivRound(decimal.NewFromInt(filled), 4)
	}

	completion := 1.0
	if info.MissionBuy > 0 {
		completion = min(float64(filled)/float64(info.MissionBuy), 1.0)
	}

	return Summary{
		TotalStep:  info.TotalStep,
		MissionBuy: info.MissionBuy,
		StepsUsed:  info.TotalStep - leftStep,
		LeftStep:   leftStep,
		FilledQty:  filled,
		Remaining:  max(info.MissionBuy-filled, 0),
		Completion: completion,
		Notional:   notional.String(),
		VWAP:       vwap.StringFixed(4),
		Complete:   filled >= info.MissionBuy,
	}
}
