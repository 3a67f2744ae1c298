package domain

import "time"

// TradeStage is the progression of a trade through its life. Stages only
// move forward; attempts to write an earlier stage are ignored.
type TradeStage int

const (
	StageDetected TradeStage = iota + 1
	StageSubmitted
	StageSettled
	StageResolved
	StageRedeemed
)

var stageNames = map[TradeStage]string{
	StageDetected:  "detected",
	StageSubmitted: "submitted",
	StageSettled:   "settled",
	StageResolved:  "resolved",
	StageRedeemed:  "redeemed",
}

func (s TradeStage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// TradeRecord tracks one order's trade through settlement and redemption.
type TradeRecord struct {
	ID         string
	OrderID    string
	UserID     string
	TokenID    string
	Stage      TradeStage
	Price      float64
	Size       float64
	TxHash     string
	DetectedAt time.Time
	UpdatedAt  time.Time
}
