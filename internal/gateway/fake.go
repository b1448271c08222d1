package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-process Gateway. Charge plays the part of the buyer's
// browser completing checkout. Failures can be injected per call kind.
type Fake struct {
	mu sync.Mutex

	expected map[string]int64
	txns     map[string]Verification
	refunds  map[string]RefundRequest

	verifyErrs []error
	refundErrs []error
}

func NewFake() *Fake {
	return &Fake{
		expected: map[string]int64{},
		txns:     map[string]Verification{},
		refunds:  map[string]RefundRequest{},
	}
}

func (f *Fake) Initiate(_ context.Context, req InitiateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected[req.OrderRef] = req.Amount
	return nil
}

// Charge records a paid transaction for orderRef and returns its id.
func (f *Fake) Charge(orderRef string, amount int64, currency string) string {
	return f.Record(Verification{
		TxnID:    "imp_" + uuid.NewString(),
		OrderRef: orderRef,
		Amount:   amount,
		Currency: currency,
		Status:   TxnPaid,
	})
}

// ChargeExpected charges the amount registered by Initiate.
func (f *Fake) ChargeExpected(orderRef, currency string) (string, error) {
	f.mu.Lock()
	amount, ok := f.expected[orderRef]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("order %s was never initiated", orderRef)
	}
	return f.Charge(orderRef, amount, currency), nil
}

// Record stores an arbitrary transaction, e.g. one that failed.
func (f *Fake) Record(v Verification) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[v.TxnID] = v
	return v.TxnID
}

// FailNextVerify makes the next Verify call return err.
func (f *Fake) FailNextVerify(err error) {
	f.mu.Lock()
	f.verifyErrs = append(f.verifyErrs, err)
	f.mu.Unlock()
}

// FailNextRefund makes the next Refund call return err.
func (f *Fake) FailNextRefund(err error) {
	f.mu.Lock()
	f.refundErrs = append(f.refundErrs, err)
	f.mu.Unlock()
}

func (f *Fake) Verify(_ context.Context, txnID string) (Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.verifyErrs) > 0 {
		err := f.verifyErrs[0]
		f.verifyErrs = f.verifyErrs[1:]
		return Verification{}, err
	}
	v, ok := f.txns[txnID]
	if !ok {
		return Verification{}, ErrUnknownTransaction
	}
	return v, nil
}

func (f *Fake) Refund(_ context.Context, req RefundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refundErrs) > 0 {
		err := f.refundErrs[0]
		f.refundErrs = f.refundErrs[1:]
		return err
	}
	if _, done := f.refunds[req.DeduplicationID]; done {
		return nil
	}
	if v, ok := f.txns[req.TxnID]; ok {
		v.Status = TxnCancelled
		f.txns[req.TxnID] = v
	}
	f.refunds[req.DeduplicationID] = req
	return nil
}

// Refunds returns the refunds applied so far, keyed by deduplication id.
func (f *Fake) Refunds() map[string]RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]RefundRequest, len(f.refunds))
	for k, v := range f.refunds {
		out[k] = v
	}
	return out
}

// Expected returns the amount registered for orderRef.
func (f *Fake) Expected(orderRef string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.expected[orderRef]
	return a, ok
}
