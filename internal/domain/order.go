package domain

import (
	"math"
	"time"
)

// Side is the order direction on the exchange.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle of a submitted order. An order is created
// by the execution engine in StatusSubmitted and mutated only by the
// settlement monitor afterwards.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "submitted"
	StatusSettled   OrderStatus = "settled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusRejected
}

// Order is a limit order against one outcome token.
type Order struct {
	ID            string
	UserID        string
	Side          Side
	TokenID       string
	Price         Price   // slippage-adjusted limit price
	Size          float64 // outcome tokens
	Notional      float64 // Price * Size, USDC
	Status        OrderStatus
	CreatedAt     time.Time
	SettledAt     *time.Time
	ExecutionHash string // on-chain fill hash, set on settlement
	FailureReason string // set on cancelled/rejected
}

// Price is a fixed-precision price value object.
//
// Outcome token ticks can be 0.1 / 0.01 / 0.001 / 0.0001, so the internal
// unit is 1e-4 (pips): 1 pip = 0.0001, 10000 pips = 1.0.
type Price struct {
	Pips int
}

// PriceFromDecimal rounds a decimal price to the nearest pip.
func PriceFromDecimal(v float64) Price {
	return Price{Pips: int(math.Round(v * 10000))}
}

// ToDecimal converts back to a decimal price (6000 pips = 0.6000).
func (p Price) ToDecimal() float64 {
	return float64(p.Pips) / 10000.0
}

// Clamp bounds the price to [lo, hi].
func (p Price) Clamp(lo, hi Price) Price {
	if p.Pips < lo.Pips {
		return lo
	}
	if p.Pips > hi.Pips {
		return hi
	}
	return p
}

func (p Price) Add(other Price) Price      { return Price{Pips: p.Pips + other.Pips} }
func (p Price) Subtract(other Price) Price { return Price{Pips: p.Pips - other.Pips} }

func (p Price) GreaterThan(other Price) bool { return p.Pips > other.Pips }
func (p Price) LessThan(other Price) bool    { return p.Pips < other.Pips }
