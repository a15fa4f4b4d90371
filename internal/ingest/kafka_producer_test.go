package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestPublishKeysByRequest(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w, timeout: time.Second}
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e := models.Event{
		ID: "e1", Type: models.EventRequestCompleted, RequestID: "r1", ProviderID: "m1",
		ProviderRole: models.RoleMechanic, Status: models.StatusCompleted, At: at,
		Payment: &models.Payment{Amount: 14, Currency: "INR", Status: models.PaymentPending},
	}
	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	assert.Equal(t, "request.completed", string(w.msgs[0].Headers[0].Value))

	got, err := DecodeEvent(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, e.RequestID, got.RequestID)
	require.NotNil(t, got.Payment)
	assert.Equal(t, 14.0, got.Payment.Amount)
}
