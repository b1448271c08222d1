package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type portoneStub struct {
	tokenCalls  atomic.Int32
	cancelCode  int
	status      string
	lastPrepare map[string]any
}

func (s *portoneStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/getToken", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		writeEnvelope(w, 0, map[string]any{"access_token": "tok", "expired_at": time.Now().Add(30 * time.Minute).Unix()})
	})
	mux.HandleFunc("/payments/prepare", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s.lastPrepare))
		writeEnvelope(w, 0, map[string]any{})
	})
	mux.HandleFunc("/payments/imp_1", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, map[string]any{
			"imp_uid": "imp_1", "merchant_uid": "order_1", "amount": 99000, "currency": "krw", "status": s.status,
		})
	})
	mux.HandleFunc("/payments/cancel", func(w http.ResponseWriter, r *http.Request) {
		if s.cancelCode != 0 {
			writeEnvelope(w, s.cancelCode, nil)
			return
		}
		s.status = "cancelled"
		writeEnvelope(w, 0, map[string]any{})
	})
	mux.HandleFunc("/payments/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, code int, resp any) {
	msg := "ok"
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "response": resp})
}

func newStubClient(t *testing.T, stub *portoneStub, timeout time.Duration) *PortOne {
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewPortOne(srv.URL, "key", "secret", timeout)
}

func TestPortOneVerify(t *testing.T) {
	stub := &portoneStub{status: "paid"}
	p := newStubClient(t, stub, time.Second)

	v, err := p.Verify(context.Background(), "imp_1")
	require.NoError(t, err)
	assert.Equal(t, Verification{TxnID: "imp_1", OrderRef: "order_1", Amount: 99000, Currency: "KRW", Status: TxnPaid}, v)
	assert.True(t, v.Paid())

	_, err = p.Verify(context.Background(), "imp_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stub.tokenCalls.Load(), "token is cached between calls")
}

func TestPortOneInitiateSendsAmount(t *testing.T) {
	stub := &portoneStub{}
	p := newStubClient(t, stub, time.Second)

	require.NoError(t, p.Initiate(context.Background(), InitiateRequest{OrderRef: "order_9", Amount: 120000, Currency: "KRW"}))
	assert.Equal(t, "order_9", stub.lastPrepare["merchant_uid"])
	assert.EqualValues(t, 120000, stub.lastPrepare["amount"])
}

func TestPortOneRefund(t *testing.T) {
	t.Run("cancel succeeds", func(t *testing.T) {
		stub := &portoneStub{status: "paid"}
		p := newStubClient(t, stub, time.Second)
		require.NoError(t, p.Refund(context.Background(), RefundRequest{TxnID: "imp_1", OrderRef: "order_1", Amount: 99000}))
	})
	t.Run("rejected but already cancelled", func(t *testing.T) {
		stub := &portoneStub{status: "cancelled", cancelCode: 1}
		p := newStubClient(t, stub, time.Second)
		require.NoError(t, p.Refund(context.Background(), RefundRequest{TxnID: "imp_1", OrderRef: "order_1", Amount: 99000}))
	})
	t.Run("rejected and still paid", func(t *testing.T) {
		stub := &portoneStub{status: "paid", cancelCode: 1}
		p := newStubClient(t, stub, time.Second)
		err := p.Refund(context.Background(), RefundRequest{TxnID: "imp_1", OrderRef: "order_1", Amount: 99000})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 1, apiErr.Code)
	})
}

func TestPortOneTimeoutIsUnavailable(t *testing.T) {
	stub := &portoneStub{}
	p := newStubClient(t, stub, 50*time.Millisecond)

	_, err := p.Verify(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPortOneUnknownTransaction(t *testing.T) {
	stub := &portoneStub{}
	p := newStubClient(t, stub, time.Second)

	_, err := p.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}
