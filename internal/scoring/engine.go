// Package scoring turns answer correctness and response time into points.
// It holds no state; every session shares one Engine value.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultMaxPoints = 100
	// DefaultBonusRate caps the speed bonus at half of the base value.
	DefaultBonusRate = "0.5"
)

// Points is the breakdown of one scored answer.
type Points struct {
	Base  int `json:"base"`
	Bonus int `json:"bonus"`
	Total int `json:"total"`
}

type Engine struct {
	MaxPoints int
	BonusRate decimal.Decimal
}

func NewEngine() Engine {
	return Engine{
		MaxPoints: DefaultMaxPoints,
		BonusRate: decimal.RequireFromString(DefaultBonusRate),
	}
}

// Score computes the points of an answer given after elapsed of a window.
//
//	base  = max(0, round(MAX * (1 - elapsed/window)))   rounded half away from zero
//	bonus = base * (1 - elapsed/window) * rate
//	total = floor(base + bonus)
//
// Incorrect answers, and any answer with elapsed >= window, score 0.
func (e Engine) Score(correct bool, elapsed, window time.Duration) Points {
	if !correct || window <= 0 {
		return Points{}
	}

	remaining := decimal.NewFromInt(1).Sub(ratio(elapsed, window))
	base := decimal.NewFromInt(int64(e.MaxPoints)).Mul(remaining).Round(0)
	if base.IsNegative() {
		base = decimal.Zero
	}

	bonus := base.Mul(remaining).Mul(e.BonusRate)
	total := base.Add(bonus).Floor()

	b := int(base.IntPart())
	t := int(total.IntPart())
	return Points{Base: b, Bonus: t - b, Total: t}
}

// Max is the largest total a single answer can earn.
func (e Engine) Max() int {
	return int(decimal.NewFromInt(int64(e.MaxPoints)).Mul(decimal.NewFromInt(1).Add(e.BonusRate)).Floor().IntPart())
}

func ratio(elapsed, window time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	if elapsed >= window {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(elapsed.Microseconds()).Div(decimal.NewFromInt(window.Microseconds()))
}
