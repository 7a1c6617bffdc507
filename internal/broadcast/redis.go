// Package broadcast relays update buffers between server instances over
// Redis Pub/Sub.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

const (
	defaultTopicPrefix    = "doc:"
	defaultDedupeTTL      = 2 * time.Minute
	defaultPublishTimeout = 30 * time.Second
	maxBackoffDelay       = 30 * time.Second
)

type redisMessage struct {
	Origin      string `json:"origin"`
	DocumentID  string `json:"document_id"`
	OperationID string `json:"operation_id"`
	ClientID    string `json:"client_id,omitempty"`
	Payload     []byte `json:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// RemoteHook merges an update received from another instance into local
// state before it is relayed to local clients. An error drops the relay.
type RemoteHook func(ctx context.Context, docID types.DocumentID, opID types.OperationID, payload []byte) error

// RedisBroadcaster publishes update buffers to Redis and fans them back out
// to local websocket clients across instances.
type RedisBroadcaster struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger
	onRemote RemoteHook

	instance       string
	topicPrefix    string
	dedupeTTL      time.Duration
	publishTimeout time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// Option configures a RedisBroadcaster.
type Option func(*RedisBroadcaster)

// WithTopicPrefix sets the channel prefix; documents publish on prefix+id.
func WithTopicPrefix(prefix string) Option {
	return func(b *RedisBroadcaster) { b.topicPrefix = prefix }
}

// WithRemoteHook installs the hook run for every update from another
// instance.
func WithRemoteHook(hook RemoteHook) Option {
	return func(b *RedisBroadcaster) { b.onRemote = hook }
}

// WithPublishTimeout bounds how long Publish keeps retrying.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *RedisBroadcaster) { b.publishTimeout = d }
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger, opts ...Option) *RedisBroadcaster {
	b := &RedisBroadcaster{
		client:         client,
		registry:       registry,
		logger:         logger,
		instance:       uuid.NewString(),
		topicPrefix:    defaultTopicPrefix,
		dedupeTTL:      defaultDedupeTTL,
		publishTimeout: defaultPublishTimeout,
		seen:           make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Instance returns the id this broadcaster stamps on published messages.
func (b *RedisBroadcaster) Instance() string { return b.instance }

// Publish sends an update buffer to the document topic, retrying transient
// Redis failures with exponential backoff.
func (b *RedisBroadcaster) Publish(ctx context.Context, docID types.DocumentID, opID types.OperationID, clientID types.ClientID, payload []byte) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	msg := redisMessage{
		Origin:      b.instance,
		DocumentID:  string(docID),
		OperationID: string(opID),
		ClientID:    string(clientID),
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}
	b.isDuplicate(msg.DocumentID, msg.OperationID)

	topic := b.topic(docID)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = maxBackoffDelay
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(b.publishTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", next).Msg("redis publish failed; retrying")
		}),
	)
	if err != nil {
		publishFailures.Inc()
	}
	return err
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = maxBackoffDelay
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		received, err := b.consume(ctx, pubsub)
		if received {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) (bool, error) {
	defer pubsub.Close()

	received := false
	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return received, errors.New("pubsub channel closed")
			}
			received = true
			if err := b.process(ctx, []byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, data []byte) error {
	var payload redisMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.OperationID == "" {
		return errors.New("incomplete payload")
	}
	if payload.Origin == b.instance || b.isDuplicate(payload.DocumentID, payload.OperationID) {
		return nil
	}

	docID := types.DocumentID(payload.DocumentID)
	if b.onRemote != nil {
		if err := b.onRemote(ctx, docID, types.OperationID(payload.OperationID), payload.Payload); err != nil {
			return fmt.Errorf("apply remote update: %w", err)
		}
	}

	if payload.EnqueuedAt > 0 {
		relayLatency.WithLabelValues(payload.DocumentID).Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}
	if b.registry != nil {
		b.registry.BroadcastByClientID(docID, ws.Message{Type: ws.MessageUpdate, Payload: payload.Payload}, types.ClientID(payload.ClientID))
	}
	return nil
}

func (b *RedisBroadcaster) topic(docID types.DocumentID) string {
	return b.topicPrefix + string(docID)
}

// isDuplicate records docID/opID as seen and reports whether it already was.
func (b *RedisBroadcaster) isDuplicate(docID, opID string) bool {
	key := docID + ":" + opID

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[key]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[key] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

var (
	relayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and relay to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "publish_failures_total",
		Help:      "Updates that could not be published to Redis.",
	})
)

func init() {
	prometheus.MustRegister(relayLatency, publishFailures)
}
