package report

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

const acquireTimeout = 3 * time.Second

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// Enqueue 只负责入队，kafka 短暂不可用时靠队列吸收，超过重试次数的事件直接丢弃。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	queue  chan SyncEvent
	wg     sync.WaitGroup

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan SyncEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.start()
	return d
}

// Enqueue：队列满时等待直到 ctx 结束，事件不要求必达
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt SyncEvent) error {
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

// Close 停止接收新事件，等待队列里剩余事件发送完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt SyncEvent) {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return d.sendGuarded(evt)
	}, backoff.WithMaxRetries(d.newBackOff(), uint64(d.maxRetry)), func(err error, wait time.Duration) {
		log.Printf("kafka send retry type=%s section=%s attempt=%d wait=%s err=%v", evt.EventType, evt.SectionID, attempt, wait, err)
	})
	if err != nil {
		log.Printf("kafka send failed, drop event type=%s section=%s op=%s worker=%d attempts=%d err=%v",
			evt.EventType, evt.SectionID, evt.OperationID, workerID, attempt, err)
	}
}

// newBackOff 每次翻倍，封顶 maxBackoff，不加抖动
func (d *KafkaDispatcher) newBackOff() backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     d.baseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.maxBackoff,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Reset()
	return eb
}

// sendGuarded 拿不到信号量也算一次失败，交给退避重试
func (d *KafkaDispatcher) sendGuarded(evt SyncEvent) error {
	if d.sem == nil {
		return d.sendOnce(evt)
	}
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	if err := d.sem.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = d.sem.Release() }()
	return d.sendOnce(evt)
}

func (d *KafkaDispatcher) sendOnce(evt SyncEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SectionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
