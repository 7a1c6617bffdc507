// Package presence relays ephemeral cursor and selection state between the
// clients of a document. Presence is never written to the update log.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "presence:doc:"
	scanBatchSize        = 100
)

// Cursor is a selection inside one text container, in character positions.
type Cursor struct {
	Container string `json:"container"`
	Anchor    int    `json:"anchor"`
	Head      int    `json:"head"`
}

// Update is the presence record of one client.
type Update struct {
	DocumentID   types.DocumentID  `json:"document_id"`
	ClientID     types.ClientID    `json:"client_id"`
	Cursor       *Cursor           `json:"cursor,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Disconnected bool              `json:"disconnected,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Origin       string            `json:"origin,omitempty"`
}

// Service tracks presence heartbeats and relays them to websocket clients.
// With a nil Redis client it keeps the roster in memory for this instance
// only.
type Service struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger
	instance string

	ttl           time.Duration
	channelPrefix string

	mu     sync.RWMutex
	roster map[types.DocumentID]map[types.ClientID]Update
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long a presence record survives without a heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs a presence service. client may be nil.
func NewService(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		client:        client,
		registry:      registry,
		logger:        logger,
		instance:      uuid.NewString(),
		ttl:           defaultTTL,
		channelPrefix: defaultChannelPrefix,
		roster:        make(map[types.DocumentID]map[types.ClientID]Update),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	if s.client != nil {
		go s.subscribe(ctx)
	}
	go s.expireLoop(ctx)
}

// HandlePresence decodes a presence message from conn, stamps it with the
// connection identity and distributes it.
func (s *Service) HandlePresence(ctx context.Context, conn *ws.Connection, payload []byte) error {
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("decode presence: %w", err)
	}
	update.DocumentID = conn.DocumentID()
	update.ClientID = conn.ClientID()
	if update.Metadata == nil {
		update.Metadata = conn.Metadata()
	}
	return s.Publish(ctx, update, conn)
}

// Publish persists and broadcasts a presence record. skip, when set, does
// not receive its own update.
func (s *Service) Publish(ctx context.Context, update Update, skip *ws.Connection) error {
	if update.DocumentID == "" || update.ClientID == "" {
		return errors.New("presence update missing identifiers")
	}
	if update.Cursor != nil && (update.Cursor.Anchor < 0 || update.Cursor.Head < 0) {
		return errors.New("presence cursor must not be negative")
	}
	update.UpdatedAt = time.Now().UTC()
	update.Origin = s.instance

	if err := s.persist(ctx, update); err != nil {
		return err
	}
	s.recordLocal(update)
	if err := s.publish(ctx, update); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence update")
	}

	s.broadcastLocal(update, skip)
	return nil
}

// Clear removes any cached presence for the document/client pair and notifies peers.
func (s *Service) Clear(ctx context.Context, documentID types.DocumentID, clientID types.ClientID) {
	if documentID == "" || clientID == "" {
		return
	}
	if s.client != nil {
		key := s.presenceKey(documentID, string(clientID))
		if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
		}
	}

	removal := Update{DocumentID: documentID, ClientID: clientID, Disconnected: true, UpdatedAt: time.Now().UTC(), Origin: s.instance}
	s.recordLocal(removal)
	if err := s.publish(ctx, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence removal")
	}
	s.broadcastLocal(removal, nil)
}

// SendRoster streams the current roster to a freshly connected client.
func (s *Service) SendRoster(ctx context.Context, conn *ws.Connection) error {
	updates, err := s.Roster(ctx, conn.DocumentID())
	if err != nil {
		return err
	}
	for _, update := range updates {
		if update.ClientID == conn.ClientID() {
			continue
		}
		payload, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("encode roster entry: %w", err)
		}
		if err := conn.Send(ws.Message{Type: ws.MessagePresence, Payload: payload}); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster loads the current presence roster for a given document, sorted by
// client id.
func (s *Service) Roster(ctx context.Context, documentID types.DocumentID) ([]Update, error) {
	if s.client == nil {
		return s.localRoster(documentID), nil
	}

	iter := s.client.Scan(ctx, 0, s.presenceKey(documentID, "*"), scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	if len(keys) == 0 {
		s.mu.Lock()
		delete(s.roster, documentID)
		s.mu.Unlock()
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	var updates []Update
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var update Update
		if err := json.Unmarshal([]byte(strVal), &update); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		updates = append(updates, update)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ClientID < updates[j].ClientID })

	s.mu.Lock()
	roster := s.ensureRoster(documentID)
	for _, update := range updates {
		roster[update.ClientID] = update
	}
	s.mu.Unlock()

	return updates, nil
}

func (s *Service) localRoster(documentID types.DocumentID) []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	updates := make([]Update, 0, len(s.roster[documentID]))
	for _, update := range s.roster[documentID] {
		updates = append(updates, update)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ClientID < updates[j].ClientID })
	return updates
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[types.DocumentID][]Update, len(s.roster))
	for doc, clients := range s.roster {
		for _, update := range clients {
			snapshot[doc] = append(snapshot[doc], update)
		}
	}
	s.mu.RUnlock()

	now := time.Now()
	for doc, updates := range snapshot {
		for _, update := range updates {
			if !s.expired(ctx, update, now) {
				continue
			}
			removal := Update{DocumentID: doc, ClientID: update.ClientID, Disconnected: true, UpdatedAt: now.UTC(), Origin: s.instance}
			s.logger.Debug().Str("document", string(doc)).Str("client", string(update.ClientID)).Msg("presence expired")
			s.recordLocal(removal)
			if err := s.publish(ctx, removal); err != nil {
				s.logger.Warn().Err(err).Msg("failed to publish presence expiration")
			}
			s.broadcastLocal(removal, nil)
		}
	}
}

func (s *Service) expired(ctx context.Context, update Update, now time.Time) bool {
	if s.client == nil {
		return now.Sub(update.UpdatedAt) > s.ttl
	}
	exists, err := s.client.Exists(ctx, s.presenceKey(update.DocumentID, string(update.ClientID))).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to check presence ttl")
		return false
	}
	return exists == 0
}

func (s *Service) subscribe(ctx context.Context) {
	pubsub := s.client.PSubscribe(ctx, fmt.Sprintf("%s*", s.channelPrefix))
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			if update.Origin == s.instance {
				continue
			}
			s.recordLocal(update)
			s.broadcastLocal(update, nil)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) broadcastLocal(update Update, skip *ws.Connection) {
	if s.registry == nil {
		return
	}
	payload, err := json.Marshal(update)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode presence update")
		return
	}
	s.registry.Broadcast(update.DocumentID, ws.Message{Type: ws.MessagePresence, Payload: payload}, skip)
}

func (s *Service) recordLocal(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.ensureRoster(update.DocumentID)
	if update.Disconnected {
		delete(roster, update.ClientID)
		if len(roster) == 0 {
			delete(s.roster, update.DocumentID)
		}
		return
	}
	roster[update.ClientID] = update
}

func (s *Service) persist(ctx context.Context, update Update) error {
	if s.client == nil {
		return nil
	}
	key := s.presenceKey(update.DocumentID, string(update.ClientID))
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, update Update) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	return s.client.Publish(ctx, s.channel(update.DocumentID), payload).Err()
}

func (s *Service) presenceKey(documentID types.DocumentID, clientID string) string {
	return fmt.Sprintf("%s%s:client:%s", s.channelPrefix, documentID, clientID)
}

func (s *Service) channel(documentID types.DocumentID) string {
	return fmt.Sprintf("%s%s", s.channelPrefix, documentID)
}

func (s *Service) ensureRoster(documentID types.DocumentID) map[types.ClientID]Update {
	roster, ok := s.roster[documentID]
	if !ok {
		roster = make(map[types.ClientID]Update)
		s.roster[documentID] = roster
	}
	return roster
}

// WrapHooks installs presence handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	basePresence := base.OnPresence
	base.OnPresence = func(ctx context.Context, conn *ws.Connection, payload []byte) error {
		if basePresence != nil {
			if err := basePresence(ctx, conn, payload); err != nil {
				return err
			}
		}
		return s.HandlePresence(ctx, conn, payload)
	}

	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		return s.SendRoster(ctx, conn)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Clear(context.Background(), conn.DocumentID(), conn.ClientID())
	}

	return base
}
