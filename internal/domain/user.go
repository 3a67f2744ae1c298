package domain

import "time"

// User is one account served by the desk. Address is the signing wallet;
// FunderAddress holds balances (a proxy contract wallet on the exchange,
// the signing address itself otherwise).
type User struct {
	ID             string
	Address        string
	FunderAddress  string
	DerivationPath string
	CreatedAt      time.Time
}
