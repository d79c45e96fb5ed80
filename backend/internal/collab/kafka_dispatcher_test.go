package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcher_RetriesThenDelivers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt RoomEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventRoomClosed || evt.RoomID != "room-7" {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "collab-room-events", NewSemaphoreControl(2), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if err := d.Enqueue(context.Background(), newRoomEvent(EventRoomClosed, "room-7", 3)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	if err := d.Enqueue(context.Background(), RoomEvent{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Enqueue() after Close err = %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 50*time.Millisecond, time.Second
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for attempt, w := range want {
		if got := Backoff(base, limit, attempt); got != w {
			t.Fatalf("Backoff(attempt=%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire() err = %v, want ErrAcquireTimeout", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("extra Release() err = %v, want ErrNotAcquired", err)
	}
}
