package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus marks how far a detected deposit has been processed.
type DepositStatus string

const (
	DepositDetected DepositStatus = "detected"
	DepositCredited DepositStatus = "credited"
)

// DepositRecord is one on-chain transfer of the tracked asset into a
// user's funding address. TxHash is the idempotency key: the same
// transfer is never recorded twice.
type DepositRecord struct {
	ID          string
	UserID      string
	TxHash      string
	Amount      decimal.Decimal
	BlockNumber uint64
	Timestamp   time.Time
	Status      DepositStatus
}

// DepositCheckpoint remembers the last block scanned per user so that
// incremental scans never re-fetch history. LastBlock only moves up.
type DepositCheckpoint struct {
	UserID    string
	LastBlock uint64
	UpdatedAt time.Time
}

// DepositSummary aggregates a user's recorded deposits.
type DepositSummary struct {
	UserID      string
	Count       int
	ByStatus    map[DepositStatus]int
	Total       decimal.Decimal
	LatestBlock uint64
}
