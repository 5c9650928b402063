package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func newTestWriter(fw *fakeWriter) *Writer {
	return &Writer{writer: fw, topic: "quietsend.events", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestWriter_Publish(t *testing.T) {
	fw := &fakeWriter{}
	w := newTestWriter(fw)

	event := events.NewTransferEvent(schedule.Transfer{ID: 4, Status: schedule.StatusSent}, schedule.ActionSent)
	require.NoError(t, w.Publish(context.Background(), event))

	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, event.ID, string(msg.Key))
	assert.Contains(t, msg.Headers, kafka.Header{Key: "subject", Value: []byte("transfers.sent")})

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	require.NotNil(t, decoded.Transfer)
	assert.Equal(t, uint64(4), decoded.Transfer.ID)
}

func TestWriter_PublishError(t *testing.T) {
	w := newTestWriter(&fakeWriter{err: errors.New("broker down")})
	err := w.Publish(context.Background(), events.NewTransferEvent(schedule.Transfer{}, schedule.ActionAdded))
	assert.ErrorContains(t, err, "broker down")
}

func TestWriter_Close(t *testing.T) {
	fw := &fakeWriter{}
	w := newTestWriter(fw)
	require.NoError(t, w.Close())
	assert.True(t, fw.closed)
	require.NoError(t, w.Close())

	err := w.Publish(context.Background(), events.NewTransferEvent(schedule.Transfer{}, schedule.ActionAdded))
	assert.Error(t, err)
}

func TestNewWriter_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewWriter(" , ", "topic", logger)
	assert.Error(t, err)
	_, err = NewWriter("localhost:9092", "", logger)
	assert.Error(t, err)

	w, err := NewWriter("localhost:9092, localhost:9093", "topic", logger)
	require.NoError(t, err)
	assert.Equal(t, "kafka", w.Name())
}
