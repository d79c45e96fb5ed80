package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"collabSession/backend/internal/logger"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞提交流程（只负责入队）
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
// - 队列满且 ctx 到期时丢弃事件，房间事件不要求强一致
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan RoomEvent
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

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

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan RoomEvent, opt.QueueSize),
		done:        make(chan struct{}),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时等到 ctx 超时
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RoomEvent) error {
	select {
	case <-d.done:
		return context.Canceled
	default:
	}
	select {
	case d.queue <- evt:
		return nil
	case <-d.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收新事件，等 worker 把队列里剩余的事件发完
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() { close(d.done) })
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
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.done:
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RoomEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			_ = d.kafkaSem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			logger.L().Warn("kafka send failed, drop event",
				"room", evt.RoomID, "event", evt.EventType, "event_id", evt.EventID,
				"revision", evt.Revision, "worker", workerID, "err", err)
			return
		}
		time.Sleep(Backoff(d.baseBackoff, d.maxBackoff, attempt))
	}
}

func (d *KafkaDispatcher) sendOnce(evt RoomEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Backoff 每次重试退避时间翻倍，不超过 limit
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	b := base * time.Duration(1<<attempt)
	if b > limit || b <= 0 {
		return limit
	}
	return b
}
