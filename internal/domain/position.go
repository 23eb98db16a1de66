package domain

import "time"

// PositionSide is the market direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Valid reports whether s is a known side.
func (s PositionSide) Valid() bool {
	return s == PositionSideLong || s == PositionSideShort
}

// EntrySide returns the trade side that opens a position of this side.
func (s PositionSide) EntrySide() TradeSide {
	if s == PositionSideShort {
		return TradeSideSell
	}
	return TradeSideBuy
}

// ExitSide returns the trade side that closes a position of this side.
func (s PositionSide) ExitSide() TradeSide {
	if s == PositionSideShort {
		return TradeSideBuy
	}
	return TradeSideSell
}

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
	// PositionStatusPartial is reserved for partial exits. No ledger
	// transition produces it yet.
	PositionStatusPartial PositionStatus = "partial"
)

// PositionMetadata carries the optional signal context captured at entry.
type PositionMetadata struct {
	Confidence        *float64 `json:"confidence,omitempty"`
	Sources           []string `json:"sources,omitempty"`
	Phase             string   `json:"phase,omitempty"`
	PredictedMove     *float64 `json:"predicted_move,omitempty"`
	ExpectedReturn    *float64 `json:"expected_return,omitempty"`
	MathematicalProof *float64 `json:"mathematical_proof,omitempty"`
}

// Position represents an open or historical trading position.
type Position struct {
	ID            string
	Strategy      string
	Symbol        string
	Side          PositionSide
	EntryPrice    float64
	Quantity      float64
	EntryTradeID  string
	EntryTime     time.Time
	Status        PositionStatus
	ExitPrice     *float64
	ExitTradeID   *string
	ExitTime      *time.Time
	RealizedPnL   *float64
	UnrealizedPnL *float64
	StopLoss      *float64
	TakeProfit    *float64
	CloseReason   string
	Metadata      PositionMetadata
}

// IsOpen reports whether the position is still open.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// CostBasis is the capital committed at entry.
func (p Position) CostBasis() float64 {
	return p.EntryPrice * p.Quantity
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
