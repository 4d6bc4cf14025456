package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
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

func TestKafkaSenderPublishesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	sender := &KafkaSender{writer: w, topic: "campaign-events"}
	campaign := uint64(12)
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	err := sender.Send(context.Background(), EventPayload{
		EventType:   "InvestmentReceived",
		Contract:    "0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		TxHash:      "0xaa",
		BlockNumber: 5,
		CampaignID:  &campaign,
		Timestamp:   ts,
		Data:        `{"amount":"100"}`,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48:12" {
		t.Fatalf("unexpected key %s", msg.Key)
	}

	var decoded struct {
		EventType string            `json:"event_type"`
		Block     uint64            `json:"block_number"`
		Timestamp time.Time         `json:"timestamp"`
		Data      map[string]string `json:"data"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventType != "InvestmentReceived" || decoded.Block != 5 || decoded.Data["amount"] != "100" {
		t.Fatalf("unexpected message %+v", decoded)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp %v", decoded.Timestamp)
	}

	if err := sender.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaSenderPropagatesWriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	sender := &KafkaSender{writer: &fakeWriter{err: boom}, topic: "t"}
	if err := sender.Send(context.Background(), EventPayload{TxHash: "0xbb"}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestNewKafkaSenderValidates(t *testing.T) {
	if _, err := NewKafkaSender(nil, "t"); err == nil {
		t.Fatalf("expected brokers error")
	}
	if _, err := NewKafkaSender([]string{"localhost:9092"}, " "); err == nil {
		t.Fatalf("expected topic error")
	}
	s, err := NewKafkaSender([]string{"localhost:9092"}, "t")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = s.Close()
}
