package project

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusAwarded   Status = "awarded"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Opportunity is a posted construction project members can be matched to.
type Opportunity struct {
	ID              string
	ClientUserID    string
	Title           string
	Description     string
	Budget          decimal.Decimal
	TradeCategories []string
	City            string
	State           string
	Lat             *float64
	Lng             *float64
	BidDeadline     *time.Time
	Status          Status
	CancelReason    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Filters struct {
	ClientUserID string
	Status       Status
	Trade        string
	City         string
	Page         int
	PageSize     int
	SortKey      string
	SortOrder    string
}
