package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocUpdateEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventUpdateApplied || evt.DocID != "doc-1" || evt.OpCount != 2 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-updates", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	err := d.Enqueue(context.Background(), DocUpdateEvent{EventType: EventUpdateApplied, DocID: "doc-1", OpCount: 2})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-updates", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if err := d.Enqueue(context.Background(), DocUpdateEvent{DocID: "doc-1"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_EnqueueHonoursContext(t *testing.T) {
	// no workers, so the queue stays full
	d := &KafkaDispatcher{queue: make(chan DocUpdateEvent, 1), stop: make(chan struct{})}
	d.queue <- DocUpdateEvent{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, DocUpdateEvent{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue error = %v, want deadline exceeded", err)
	}
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaDispatcher(producer, "doc-updates", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	d.Close()

	if err := d.Enqueue(context.Background(), DocUpdateEvent{DocID: "doc-1"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue error = %v, want ErrDispatcherClosed", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_CloseCutsBackoff(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	d := NewKafkaDispatcher(producer, "doc-updates", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Hour,
	})
	if err := d.Enqueue(context.Background(), DocUpdateEvent{DocID: "doc-1"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited out the retry backoff")
	}
	if got := d.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_CloseWhileEnqueueing(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 50; i++ {
		producer.ExpectSendMessageAndSucceed()
	}
	d := NewKafkaDispatcher(producer, "doc-updates", nil, KafkaDispatcherOptions{QueueSize: 4, Workers: 2})

	var sent atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Enqueue(context.Background(), DocUpdateEvent{DocID: "doc-1"})
			switch {
			case err == nil:
				sent.Add(1)
			case !errors.Is(err, ErrDispatcherClosed):
				t.Errorf("Enqueue error = %v", err)
			}
		}()
	}
	d.Close()
	wg.Wait()
	t.Logf("%d events enqueued before close", sent.Load())
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire error = %v, want ErrAcquireTimeout", err)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("extra Release error = %v, want ErrNotAcquired", err)
	}
}
