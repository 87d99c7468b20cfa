package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpenEntry is an outstanding receivable/payable ledger line available as a
// reconciliation candidate. The matcher treats it as immutable; only the
// store flips the Reconciled flag, exactly once.
type OpenEntry struct {
	ID            string
	PartnerID     string
	PartnerName   string
	Account       string // receivable/payable account the counterpart posts to
	Currency      string
	Residual      decimal.Decimal // signed outstanding amount
	DocumentRef   string          // e.g. INV/2025/08/101
	MoveName      string
	StructuredRef string // formatted payment communication, e.g. +++123/456/7890+++
	DueDate       time.Time
	DiscountDate  time.Time
	Reconciled    bool
	Sequence      int64 // creation order, used for deterministic tie-breaks
	CreatedAt     time.Time
}

// EntryApplication records how much of an open entry a reconciliation
// consumed. Full applications close the entry; partial ones only reduce its
// residual and leave it open.
type EntryApplication struct {
	EntryID string
	Amount  decimal.Decimal // signed, same convention as the entry residual
	Full    bool
}
