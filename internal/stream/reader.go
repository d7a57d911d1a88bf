// Package stream consumes the platform change stream and dispatches each
// change event to live filter subscriptions.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"stix-stream/internal/queue"
	"stix-stream/internal/schema"
)

// ReaderConfig holds the change-stream consumer configuration.
type ReaderConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	StartOffset    int64         `yaml:"start_offset"`
}

// DefaultReaderConfig returns a ReaderConfig with sensible defaults.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		Brokers:        []string{"localhost:9092"},
		Topic:          "stix-change-stream",
		ConsumerGroup:  "stix-stream-matchers",
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	}
}

// Validate checks the reader configuration.
func (c *ReaderConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("stream: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("stream: topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("stream: consumer group is required")
	}
	return nil
}

// Reader consumes change events from the platform's Kafka change stream,
// validates them and pushes them onto the processing queue. Events that do
// not decode are counted and skipped; the stream must keep moving.
type Reader struct {
	reader    *kafka.Reader
	validator *schema.Validator
	out       *queue.RingBuffer
	logger    *slog.Logger
	topic     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool

	consumed  atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

// NewReader creates a change-stream reader feeding the given queue.
func NewReader(cfg ReaderConfig, validator *schema.Validator, out *queue.RingBuffer, logger *slog.Logger) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("stream: output queue is required")
	}

	kr := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "change-stream-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "change-stream-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		reader:    kr,
		validator: validator,
		out:       out,
		logger:    logger,
		topic:     cfg.Topic,
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info("change-stream reader initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)
	return r, nil
}

// Start begins consuming in a background goroutine.
func (r *Reader) Start() error {
	if r.started.Swap(true) {
		return errors.New("stream: reader already started")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("change-stream loop exited", "error", err)
		}
	}()

	r.logger.Info("change-stream reader started", "topic", r.topic)
	return nil
}

func (r *Reader) consumeLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		msg, err := r.reader.FetchMessage(r.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.errors.Add(1)
			r.logger.Error("failed to fetch change event", "error", err, "topic", r.topic)
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		event, err := r.decode(msg.Value)
		if err != nil {
			r.malformed.Add(1)
			r.logger.Warn("skipping malformed change event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else {
			if pushErr := r.out.Push(event); pushErr != nil {
				r.dropped.Add(1)
				r.logger.Error("dropping change event, queue unavailable",
					"error", pushErr,
					"offset", msg.Offset,
				)
			} else {
				r.consumed.Add(1)
			}
		}

		if err := r.reader.CommitMessages(r.ctx, msg); err != nil {
			r.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// decode parses and validates one change event payload.
func (r *Reader) decode(payload []byte) (*schema.ChangeEvent, error) {
	var event schema.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decoding change event: %w", err)
	}
	if event.Data == nil {
		return nil, errors.New("change event has no data")
	}
	if r.validator != nil {
		if err := r.validator.Validate(&event); err != nil {
			return nil, fmt.Errorf("invalid change event: %w", err)
		}
	}
	return &event, nil
}

// Stop cancels consumption and closes the underlying Kafka reader.
func (r *Reader) Stop() error {
	r.cancel()
	r.wg.Wait()
	if err := r.reader.Close(); err != nil {
		return fmt.Errorf("closing change-stream reader: %w", err)
	}
	r.logger.Info("change-stream reader stopped", "consumed", r.consumed.Load())
	return nil
}

// Stats returns reader counters.
func (r *Reader) Stats() map[string]any {
	return map[string]any{
		"consumed":  r.consumed.Load(),
		"malformed": r.malformed.Load(),
		"dropped":   r.dropped.Load(),
		"errors":    r.errors.Load(),
	}
}
