package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// KafkaConfig configures the Kafka adapter.
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   *Topics
	// BatchTimeout bounds how long a synchronous publish waits to fill a
	// batch. Keep it small: every Publish waits for its own batch.
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Kafka publishes with acks=all and consumes through a consumer group.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer
	logger *slog.Logger
}

// NewKafka creates a Kafka adapter. Connections are opened lazily.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("broker: kafka bootstrap servers are required")
	}
	if cfg.Topics == nil {
		return nil, fmt.Errorf("broker: kafka topic table is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gtmlake"
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
		ErrorLogger:            kafkaLogger(logger, slog.LevelWarn),
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
	return &Kafka{
		cfg:    cfg,
		writer: w,
		dialer: &kafka.Dialer{ClientID: cfg.ClientID, Timeout: 10 * time.Second, DualStack: true},
		logger: logger,
	}, nil
}

func (k *Kafka) Name() string    { return "kafka" }
func (k *Kafka) Topics() *Topics { return k.cfg.Topics }

// Publish writes one message and returns once all in-sync replicas have it.
func (k *Kafka) Publish(ctx context.Context, topic model.TopicType, key string, payload []byte) error {
	name, err := k.cfg.Topics.Name(topic)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: name, Value: payload, Time: time.Now().UTC()}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka topic %s: %w", ErrPublishFailed, name, err)
	}
	return nil
}

// Subscribe joins the consumer group for types. New groups start at the
// latest offset.
func (k *Kafka) Subscribe(ctx context.Context, types []model.TopicType, h Handler) (Subscription, error) {
	names, err := k.cfg.Topics.Names(types)
	if err != nil {
		return nil, err
	}
	if k.cfg.GroupID == "" {
		return nil, fmt.Errorf("broker: kafka consumer group is required to subscribe")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		GroupID:        k.cfg.GroupID,
		GroupTopics:    names,
		Dialer:         k.dialer,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0, // synchronous commits
		ErrorLogger:    kafkaLogger(k.logger, slog.LevelWarn),
	})

	loopCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, reader.Close)
	ks := &kafkaConsumer{reader: reader, tracker: newOffsetTracker(), topics: k.cfg.Topics, logger: k.logger}
	go func() {
		sub.finish(ks.run(loopCtx, h))
	}()

	k.logger.Info("broker: kafka subscription opened", "group", k.cfg.GroupID, "topics", names)
	return sub, nil
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	tracker *offsetTracker
	topics  *Topics
	logger  *slog.Logger

	commitMu sync.Mutex
}

func (c *kafkaConsumer) run(ctx context.Context, h Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return lost(err)
		}

		tt, ok := c.topics.Type(m.Topic)
		if !ok {
			c.logger.Warn("broker: message on unmapped topic", "topic", m.Topic)
			continue
		}
		tp := topicPartition{topic: m.Topic, partition: m.Partition}
		c.tracker.track(tp, m.Offset)

		msg := &Message{
			Topic:     m.Topic,
			Type:      tt,
			Key:       string(m.Key),
			Payload:   m.Value,
			Timestamp: m.Time,
			ID:        strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
		}
		offset := m.Offset
		msg.ack = func(ackCtx context.Context) error {
			return c.commit(ackCtx, tp, offset)
		}
		deliver(ctx, c.logger, h, msg)
	}
}

// commit acks offset and commits the contiguous prefix, if it advanced.
// Commits are serialized so a lower offset never overtakes a higher one.
func (c *kafkaConsumer) commit(ctx context.Context, tp topicPartition, offset int64) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	upTo, ok := c.tracker.ack(tp, offset)
	if !ok {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, kafka.Message{Topic: tp.topic, Partition: tp.partition, Offset: upTo}); err != nil {
		return fmt.Errorf("broker: kafka commit %s/%d@%d: %w", tp.topic, tp.partition, upTo, err)
	}
	return nil
}

// CreateTopics provisions every topic in the table through the cluster
// controller. Topics that already exist are left unchanged.
func (k *Kafka) CreateTopics(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("broker: kafka dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("broker: kafka controller lookup: %w", err)
	}
	cconn, err := k.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("broker: kafka dial controller: %w", err)
	}
	defer func() { _ = cconn.Close() }()

	var errs []error
	for _, t := range k.cfg.Topics.All() {
		err := cconn.CreateTopics(kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(t.Retention.Milliseconds(), 10)},
			},
		})
		switch {
		case err == nil:
			k.logger.Info("broker: kafka topic created", "topic", t.Name, "partitions", t.Partitions)
		case errors.Is(err, kafka.TopicAlreadyExists):
			k.logger.Debug("broker: kafka topic exists", "topic", t.Name)
		default:
			errs = append(errs, fmt.Errorf("broker: create topic %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Ping dials the first reachable bootstrap server and reads cluster metadata.
func (k *Kafka) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range k.cfg.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("broker: kafka unreachable: %w", errors.Join(errs...))
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func kafkaLogger(logger *slog.Logger, level slog.Level) kafka.LoggerFunc {
	return func(msg string, args ...any) {
		logger.Log(context.Background(), level, "broker: kafka: "+fmt.Sprintf(msg, args...))
	}
}
