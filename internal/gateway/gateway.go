// Package gateway talks to the external payment provider. The reservation
// services only need three calls: register an expected charge, verify a
// transaction reported by the buyer's browser, and refund it.
package gateway

import (
	"context"
	"errors"
)

// TxnStatus is the provider's view of a transaction.
type TxnStatus string

const (
	TxnReady     TxnStatus = "ready"
	TxnPaid      TxnStatus = "paid"
	TxnFailed    TxnStatus = "failed"
	TxnCancelled TxnStatus = "cancelled"
)

// ErrUnavailable wraps timeouts and transport failures. The money may or
// may not have moved when it is returned.
var ErrUnavailable = errors.New("payment gateway unavailable")

// ErrUnknownTransaction is returned by Verify for a transaction id the
// provider does not know.
var ErrUnknownTransaction = errors.New("unknown transaction")

// InitiateRequest registers the amount the provider must charge for an
// order before the buyer is sent to checkout.
type InitiateRequest struct {
	OrderRef string
	Amount   int64
	Currency string
	Name     string
}

// Verification is what the provider reports for one transaction.
type Verification struct {
	TxnID    string
	OrderRef string
	Amount   int64
	Currency string
	Status   TxnStatus
}

// Paid reports whether the money was taken.
func (v Verification) Paid() bool { return v.Status == TxnPaid }

// RefundRequest cancels a charged transaction. Refunds carrying the same
// DeduplicationID are applied at most once.
type RefundRequest struct {
	TxnID           string
	OrderRef        string
	Amount          int64
	Reason          string
	DeduplicationID string
}

// Gateway is the payment provider contract.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) error
	Verify(ctx context.Context, txnID string) (Verification, error)
	Refund(ctx context.Context, req RefundRequest) error
}
