package domain

import "time"

// OrderResult is the exchange acknowledgement for a placed order.
type OrderResult struct {
	OrderID     string
	FilledPrice float64
	FilledQty   float64
	FeeUSD      float64
	FilledAt    time.Time
}
