package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// RedisConfig configures the Redis Streams adapter.
type RedisConfig struct {
	URL   string // redis://[:password@]host:port/db
	Group string
	// Consumer names this process inside the group; defaults to
	// hostname-pid. Two processes must never share a name.
	Consumer string
	// ClaimIdle is how long an entry may sit unacked under another consumer
	// before Subscribe claims it (default 5m). Names change across restarts,
	// so this is how a crashed process's entries are redelivered.
	ClaimIdle time.Duration
	Topics   *Topics
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64
	Block  time.Duration
	Count  int64
}

// Redis maps each topic to a stream and each consumer group to a stream group.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	logger *slog.Logger
}

const (
	redisFieldKey     = "key"
	redisFieldPayload = "payload"
)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	if cfg.Topics == nil {
		return nil, fmt.Errorf("broker: redis topic table is required")
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gtmlake-" + uuid.NewString()[:8]
		}
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 16
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}
	return &Redis{cfg: cfg, client: client, logger: logger}, nil
}

func (r *Redis) Name() string    { return "redis" }
func (r *Redis) Topics() *Topics { return r.cfg.Topics }

// Publish appends payload to the topic's stream. XADD returns once the entry
// is in the stream.
func (r *Redis) Publish(ctx context.Context, topic model.TopicType, key string, payload []byte) error {
	name, err := r.cfg.Topics.Name(topic)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: name,
		Values: map[string]any{redisFieldKey: key, redisFieldPayload: payload},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: redis stream %s: %w", ErrPublishFailed, name, err)
	}
	return nil
}

// Consumer returns this process's consumer name inside the group.
func (r *Redis) Consumer() string { return r.cfg.Consumer }

// Subscribe creates the group on every stream (starting at new entries) and
// starts reading. Entries this consumer received but never acked are
// redelivered first.
func (r *Redis) Subscribe(ctx context.Context, types []model.TopicType, h Handler) (Subscription, error) {
	names, err := r.cfg.Topics.Names(types)
	if err != nil {
		return nil, err
	}
	if r.cfg.Group == "" {
		return nil, fmt.Errorf("broker: redis consumer group is required to subscribe")
	}
	for _, name := range names {
		err := r.client.XGroupCreateMkStream(ctx, name, r.cfg.Group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("broker: create redis group %s on %s: %w", r.cfg.Group, name, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, nil)
	go func() {
		sub.finish(r.consume(loopCtx, names, h))
	}()

	r.logger.Info("broker: redis subscription opened", "group", r.cfg.Group, "consumer", r.cfg.Consumer, "streams", names)
	return sub, nil
}

// claimIdle moves entries left unacked by other consumers for ClaimIdle into
// this consumer's pending list, where the backlog replay delivers them.
func (r *Redis) claimIdle(ctx context.Context, stream string) {
	start := "0-0"
	for range 100 {
		_, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.ClaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			r.logger.Warn("broker: redis claim idle entries", "stream", stream, "error", err)
			return
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

func (r *Redis) consume(ctx context.Context, names []string, h Handler) error {
	for _, name := range names {
		r.claimIdle(ctx, name)
	}
	// Replay this consumer's pending entries first, walking each stream's
	// pending list from "0", then switch to new entries (">").
	backlog := true
	cursors := make(map[string]string, len(names))
	for _, name := range names {
		cursors[name] = "0"
	}
	for {
		streams := make([]string, 0, 2*len(names))
		streams = append(streams, names...)
		for _, name := range names {
			if backlog {
				streams = append(streams, cursors[name])
			} else {
				streams = append(streams, ">")
			}
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  streams,
			Count:    r.cfg.Count,
			Block:    r.cfg.Block,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			backlog = false
			continue
		}
		if err != nil {
			return lost(err)
		}

		delivered := 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				delivered++
				cursors[stream.Stream] = entry.ID
				deliver(ctx, r.logger, h, r.message(stream.Stream, entry))
			}
		}
		if backlog && delivered == 0 {
			backlog = false
		}
	}
}

func (r *Redis) message(stream string, entry redis.XMessage) *Message {
	tt, _ := r.cfg.Topics.Type(stream)
	msg := &Message{
		Topic:     stream,
		Type:      tt,
		Key:       stringField(entry.Values, redisFieldKey),
		Payload:   []byte(stringField(entry.Values, redisFieldPayload)),
		Timestamp: streamIDTime(entry.ID),
		ID:        entry.ID,
	}
	id := entry.ID
	msg.ack = func(ctx context.Context) error {
		if err := r.client.XAck(ctx, stream, r.cfg.Group, id).Err(); err != nil {
			return fmt.Errorf("broker: redis xack %s %s: %w", stream, id, err)
		}
		return nil
	}
	return msg
}

func stringField(values map[string]any, field string) string {
	if v, ok := values[field].(string); ok {
		return v
	}
	return ""
}

// streamIDTime extracts the millisecond timestamp from a stream entry id.
func streamIDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
