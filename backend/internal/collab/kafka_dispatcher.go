package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher: local bounded queue, async workers, bounded retry.
// Enqueue never blocks the merge path beyond its ctx; when kafka stalls the
// queue absorbs events and a full queue drops them.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	// mu guards closed; Enqueue holds it shared while sending on queue
	mu      sync.RWMutex
	closed  bool
	queue   chan DocUpdateEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// bounds concurrent SendMessage calls
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int           `mapstructure:"queueSize"`
	Workers     int           `mapstructure:"workers"`
	MaxRetry    int           `mapstructure:"maxRetry"`
	BaseBackoff time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocUpdateEvent, opt.QueueSize),
		stop:        make(chan struct{}),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.start()
	return d
}

// Enqueue waits for queue space until ctx is done. Events are best effort.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocUpdateEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the workers to drain the queue.
// Enqueue calls already waiting for space finish first. Pending retries skip
// their backoff.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
	if n := d.dropped.Load(); n > 0 {
		log.Printf("kafka dispatcher closed, %d events dropped", n)
	}
}

// Dropped counts events given up after the last retry.
func (d *KafkaDispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.deliver(workerID, evt)
	}
}

func (d *KafkaDispatcher) deliver(workerID int, evt DocUpdateEvent) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = d.sendGated(evt); err == nil {
			return
		}
		if attempt >= d.maxRetry {
			break
		}
		d.backoff(attempt)
	}
	d.dropped.Add(1)
	log.Printf("kafka send failed, drop event doc=%s client=%s version=%d worker=%d err=%v",
		evt.DocID, evt.ClientID, evt.Version, workerID, err)
}

func (d *KafkaDispatcher) sendGated(evt DocUpdateEvent) error {
	if d.sem != nil {
		// workers may wait indefinitely, they are off the merge path
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	return d.sendOnce(evt)
}

// backoff doubles per attempt up to maxBackoff and returns early once Close
// has been called.
func (d *KafkaDispatcher) backoff(attempt int) {
	wait := d.baseBackoff << attempt
	if d.maxBackoff > 0 && wait > d.maxBackoff {
		wait = d.maxBackoff
	}
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.stop:
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocUpdateEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
