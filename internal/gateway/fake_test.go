package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRefundIsDeduplicated(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	require.NoError(t, f.Initiate(ctx, InitiateRequest{OrderRef: "order_1", Amount: 5000, Currency: "KRW"}))
	txn, err := f.ChargeExpected("order_1", "KRW")
	require.NoError(t, err)

	req := RefundRequest{TxnID: txn, OrderRef: "order_1", Amount: 5000, DeduplicationID: "order_1"}
	require.NoError(t, f.Refund(ctx, req))
	require.NoError(t, f.Refund(ctx, req))
	assert.Len(t, f.Refunds(), 1)

	v, err := f.Verify(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, TxnCancelled, v.Status)
}

func TestFakeInjectedFailuresAreOneShot(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	txn := f.Charge("order_2", 100, "KRW")
	f.FailNextVerify(ErrUnavailable)

	_, err := f.Verify(ctx, txn)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = f.Verify(ctx, txn)
	assert.NoError(t, err)

	_, err = f.ChargeExpected("never", "KRW")
	assert.Error(t, err)
}
