package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rivistaa/Bathbot/internal/models"
)

// The gateway allows 120 commands per 60 seconds per connection;
// member-chunk requests share that budget with heartbeats, so stay
// a little under it.
const gatewayCommandsPerMinute = 110

// ShardManager owns every shard connection and is the dispatcher's
// MemberRequester: chunk requests are routed to the owning shard behind
// a per-shard command rate limit.
type ShardManager struct {
	token      string
	shardCount int
	events     chan<- models.Event
	logger     *slog.Logger

	mutex    sync.RWMutex
	shards   map[int]*Shard
	limiters map[int]*rate.Limiter

	stopped bool
}

func NewShardManager(token string, shardCount int, events chan<- models.Event, logger *slog.Logger) *ShardManager {
	if shardCount < 1 {
		shardCount = 1
	}
	return &ShardManager{
		token:      token,
		shardCount: shardCount,
		events:     events,
		logger:     logger,
		shards:     make(map[int]*Shard),
		limiters:   make(map[int]*rate.Limiter),
	}
}

// Start connects every shard and keeps each one running with backoff
// until Stop is called.
func (m *ShardManager) Start(ctx context.Context) error {
	for i := 0; i < m.shardCount; i++ {
		shard := NewShard(i, m.shardCount, m.token, m.events, m.logger)
		m.mutex.Lock()
		m.shards[i] = shard
		m.limiters[i] = rate.NewLimiter(rate.Limit(gatewayCommandsPerMinute)/60.0, 5)
		m.mutex.Unlock()

		if err := shard.Connect(ctx); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		go shard.StartHeartbeat()
		go m.runShard(ctx, shard)

		// Identify calls are serialized; the gateway rejects bursts.
		if i < m.shardCount-1 {
			time.Sleep(5 * time.Second)
		}
	}
	return nil
}

func (m *ShardManager) runShard(ctx context.Context, shard *Shard) {
	backoff := time.Second
	for {
		err := shard.Listen()

		m.mutex.RLock()
		stopped := m.stopped
		m.mutex.RUnlock()
		if stopped || ctx.Err() != nil {
			return
		}

		m.logger.Warn("shard_disconnected", "shard_id", shard.ID, "error", err, "reconnect_in", backoff.String())
		time.Sleep(backoff)
		if backoff < 60*time.Second {
			backoff *= 2
		}

		_ = shard.Close()
		fresh := NewShard(shard.ID, m.shardCount, m.token, m.events, m.logger)
		// Carry the session over so Connect can resume instead of
		// re-identifying; invalid-session errors already cleared it.
		shard.mutex.RLock()
		fresh.SessionID = shard.SessionID
		fresh.ResumeGatewayURL = shard.ResumeGatewayURL
		fresh.LastSequence = shard.LastSequence
		shard.mutex.RUnlock()
		if err := fresh.Connect(ctx); err != nil {
			m.logger.Warn("shard_reconnect_failed", "shard_id", shard.ID, "error", err)
			// Do not retry a resume that just failed; the next attempt
			// identifies from scratch.
			shard.mutex.Lock()
			shard.SessionID = ""
			shard.ResumeGatewayURL = ""
			shard.mutex.Unlock()
			continue
		}
		m.mutex.Lock()
		m.shards[shard.ID] = fresh
		m.mutex.Unlock()
		go fresh.StartHeartbeat()
		shard = fresh
		backoff = time.Second
	}
}

// RequestGuildMembers implements cache.MemberRequester.
func (m *ShardManager) RequestGuildMembers(ctx context.Context, shardID int, guildID string) error {
	m.mutex.RLock()
	shard, ok := m.shards[shardID]
	limiter := m.limiters[shardID]
	m.mutex.RUnlock()

	if !ok {
		return fmt.Errorf("no shard %d", shardID)
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if err := shard.RequestGuildMembers(guildID); err != nil {
		return fmt.Errorf("request members for guild %s on shard %d: %w", guildID, shardID, err)
	}
	return nil
}

func (m *ShardManager) Stop() {
	m.mutex.Lock()
	m.stopped = true
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mutex.Unlock()

	for _, s := range shards {
		if err := s.Close(); err != nil {
			m.logger.Debug("shard_close_failed", "shard_id", s.ID, "error", err)
		}
	}
	m.logger.Info("all_shards_stopped", "count", len(shards))
}
