package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventID     = "pf-event-id"
	headerEventType   = "pf-event-type"
	headerRetryCount  = "pf-retry-count"
	headerOriginTopic = "pf-origin-topic"
	headerDLQError    = "pf-dlq-error"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducerConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	RetryTopic string
	DLQTopic   string
}

type KafkaProducer struct {
	writer     MessageWriter
	eventTopic string
	retryTopic string
	dlqTopic   string
}

func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaProducerWithWriter(writer, cfg)
}

// NewKafkaProducerWithWriter uses writer for every topic. The writer must
// not have a fixed Topic.
func NewKafkaProducerWithWriter(writer MessageWriter, cfg KafkaProducerConfig) *KafkaProducer {
	return &KafkaProducer{
		writer:     writer,
		eventTopic: cfg.EventTopic,
		retryTopic: cfg.RetryTopic,
		dlqTopic:   cfg.DLQTopic,
	}
}

func (p *KafkaProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.publish(ctx, p.eventTopic, key, value, headers)
}

func (p *KafkaProducer) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.retryTopic == "" {
		return errors.New("retry topic is not configured")
	}
	return p.publish(ctx, p.retryTopic, key, value, headers)
}

func (p *KafkaProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	return p.publish(ctx, p.dlqTopic, key, value, headers)
}

func (p *KafkaProducer) publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}

	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}

	return p.writer.WriteMessages(ctx, message)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	EventTopic string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
}

type KafkaHandler func(ctx context.Context, message kafka.Message) error

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

type KafkaConsumer struct {
	producer   *KafkaProducer
	config     KafkaConsumerConfig
	handler    KafkaHandler
	deduper    Deduper
	logger     *zap.Logger
	newReader  func(topic string) MessageReader
	readers    []MessageReader
	mu         sync.Mutex
	startOnce  sync.Once
	closeOnce  sync.Once
	closedChan chan struct{}
	errChan    chan error
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, producer *KafkaProducer, handler KafkaHandler, deduper Deduper, logger *zap.Logger) *KafkaConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	c := &KafkaConsumer{
		producer:   producer,
		config:     cfg,
		handler:    handler,
		deduper:    deduper,
		logger:     logger,
		closedChan: make(chan struct{}),
		errChan:    make(chan error, 2),
	}
	c.newReader = c.kafkaReader
	return c
}

// Run consumes the event and retry topics until ctx is done, Close is
// called or a reader fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.startOnce.Do(func() {
		var readers []MessageReader
		for _, topic := range []string{c.config.EventTopic, c.config.RetryTopic} {
			if topic != "" {
				readers = append(readers, c.newReader(topic))
			}
		}
		c.mu.Lock()
		c.readers = readers
		c.mu.Unlock()

		c.logger.Info("kafka consumer starting",
			zap.String("group_id", c.config.GroupID),
			zap.String("event_topic", c.config.EventTopic),
			zap.String("retry_topic", c.config.RetryTopic),
		)
		for _, reader := range readers {
			go func(r MessageReader) {
				if err := c.consumeLoop(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
					c.errChan <- err
				}
			}(reader)
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closedChan:
		return nil
	case err := <-c.errChan:
		return err
	}
}

func (c *KafkaConsumer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closedChan)
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, reader := range c.readers {
			if err := reader.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})

	return closeErr
}

func (c *KafkaConsumer) kafkaReader(topic string) MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
			Timeout:  10 * time.Second,
		},
	})
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, reader MessageReader) error {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.process(ctx, message); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

// process runs the handler once per event id. A handler error is routed to
// the retry topic, then to the DLQ once retries are spent; only a failure to
// route stops the consumer.
func (c *KafkaConsumer) process(ctx context.Context, message kafka.Message) error {
	eventID := extractEventID(message)
	if c.deduper != nil && eventID != "" {
		seen, err := c.deduper.Seen(ctx, eventID)
		if err != nil {
			c.logger.Warn("dedupe lookup failed", zap.String("event_id", eventID), zap.Error(err))
		} else if seen {
			c.logger.Debug("skipping duplicate message", zap.String("event_id", eventID))
			return nil
		}
	}

	handlerErr := c.handler(ctx, message)
	if handlerErr != nil {
		c.logger.Warn("message handler failed",
			zap.String("event_id", eventID),
			zap.String("topic", message.Topic),
			zap.Int("retry", retryAttempt(message)),
			zap.Error(handlerErr),
		)
		return c.handleFailure(ctx, message, handlerErr)
	}

	if c.deduper != nil && eventID != "" {
		if err := c.deduper.MarkSeen(ctx, eventID); err != nil {
			c.logger.Warn("failed to mark message seen", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return nil
}

func (c *KafkaConsumer) handleFailure(ctx context.Context, message kafka.Message, handlerErr error) error {
	if c.producer == nil {
		return handlerErr
	}

	retryCount := retryAttempt(message)
	if retryCount < c.config.MaxRetries && c.config.RetryTopic != "" {
		headers := setHeaders(message.Headers,
			kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: headerOriginTopic, Value: []byte(originTopic(message))},
		)
		return c.producer.PublishRetry(ctx, message.Key, message.Value, headers...)
	}

	if c.config.DLQTopic != "" {
		payload, err := EncodeDLQPayload(message, handlerErr)
		if err != nil {
			return err
		}
		headers := setHeaders(message.Headers,
			kafka.Header{Key: headerOriginTopic, Value: []byte(originTopic(message))},
			kafka.Header{Key: headerDLQError, Value: []byte(handlerErr.Error())},
		)
		return c.producer.PublishDLQ(ctx, message.Key, payload, headers...)
	}

	return handlerErr
}

func retryAttempt(message kafka.Message) int {
	for _, header := range message.Headers {
		if header.Key == headerRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
			return 0
		}
	}
	return 0
}

func originTopic(message kafka.Message) string {
	for _, header := range message.Headers {
		if header.Key == headerOriginTopic {
			return string(header.Value)
		}
	}
	return message.Topic
}

func extractEventID(message kafka.Message) string {
	for _, header := range message.Headers {
		if header.Key == headerEventID {
			return string(header.Value)
		}
	}

	var payload struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(message.Value, &payload); err == nil && payload.EventID != "" {
		return payload.EventID
	}

	return ""
}

// setHeaders replaces headers with the same key instead of appending
// duplicates.
func setHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	for _, h := range existing {
		replaced := false
		for _, n := range headers {
			if h.Key == n.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, h)
		}
	}
	return append(merged, headers...)
}

// MemoryDeduper remembers event ids for ttl within one process. It only
// dedupes when a single consumer instance reads the topics.
type MemoryDeduper struct {
	mu     sync.Mutex
	seenAt map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryDeduper{seenAt: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seenAt[eventID]
	return ok && d.now().Sub(at) <= d.ttl, nil
}

// MarkSeen also drops expired ids so the map stays bounded by ttl.
func (d *MemoryDeduper) MarkSeen(_ context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.seenAt {
		if now.Sub(at) > d.ttl {
			delete(d.seenAt, id)
		}
	}
	d.seenAt[eventID] = now
	return nil
}

type DLQPayload struct {
	OriginTopic string            `json:"origin_topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers"`
	Value       string            `json:"value"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
}

func EncodeDLQPayload(message kafka.Message, err error) ([]byte, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[header.Key] = string(header.Value)
	}

	payload := DLQPayload{
		OriginTopic: message.Topic,
		Partition:   message.Partition,
		Offset:      message.Offset,
		Key:         string(message.Key),
		Headers:     headers,
		Value:       base64.StdEncoding.EncodeToString(message.Value),
		Error:       err.Error(),
		FailedAt:    time.Now(),
	}

	return json.Marshal(payload)
}
