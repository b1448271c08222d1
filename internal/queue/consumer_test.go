package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLine(t *testing.T) {
	at := time.Date(2026, 5, 1, 19, 30, 0, 0, time.UTC)
	line := FormatLine(Event{
		Type:          TypeReservationPaid,
		ReservationID: 7,
		UserID:        3,
		ScheduleID:    2,
		SeatID:        41,
		OrderRef:      "order_abc",
		ExternalTxnID: "imp_1",
		Amount:        150000,
		Currency:      "KRW",
		OccurredAt:    at,
	})
	assert.Equal(t,
		"[2026-05-01T19:30:00Z] reservation.paid | reservation_id=7 | user_id=3 | schedule_id=2 | seat_id=41 | amount=150000 KRW | order=order_abc | txn=imp_1\n",
		line)
}

func TestConsumerHandleAppends(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	c := NewConsumer("amqp://unused", dir, logger)

	for _, typ := range []string{TypeReservationExpired, TypePaymentRefunded} {
		body, err := json.Marshal(Event{Type: typ, ReservationID: 1, Currency: "KRW", Reason: "late"})
		require.NoError(t, err)
		require.NoError(t, c.Handle(body))
	}

	data, err := os.ReadFile(filepath.Join(dir, "reservation.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "reservation.expired")
	assert.Contains(t, string(data), `payment.refunded | reservation_id=1`)
	assert.Contains(t, string(data), `reason="late"`)
}

func TestConsumerHandleRejectsBadPayload(t *testing.T) {
	c := NewConsumer("amqp://unused", t.TempDir(), logrus.New())

	assert.Error(t, c.Handle([]byte("{not json")))
	assert.Error(t, c.Handle([]byte(`{"reservation_id": 1}`)))
}
