package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rivistaa/Bathbot/internal/models"
)

// SnapshotStore is the external key-value collaborator the cache freezes
// itself into across a restart. Implemented by internal/redis.Client and
// by an in-memory fake in tests.
type SnapshotStore interface {
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// ResumeToken is the only state that crosses the process boundary
// outside the store itself.
type ResumeToken struct {
	GuildChunks int `json:"guild_chunks"`
	UserChunks  int `json:"user_chunks"`
}

// RestoreError tags a fatal restore failure with the phase and chunk it
// happened in; the caller falls back to a full cold boot.
type RestoreError struct {
	Phase string
	Chunk int
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s chunk %d: %v", e.Phase, e.Chunk, e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

func (c *Cache) guildChunkKey(index int) string {
	return fmt.Sprintf("cb_cluster_%d_guild_chunk_%d", c.clusterID, index)
}

func (c *Cache) userChunkKey(index int) string {
	return fmt.Sprintf("cb_cluster_%d_user_chunk_%d", c.clusterID, index)
}

// Snapshot freezes the cache into the store in bounded chunks and
// returns the resume token the next process needs. A failed chunk is
// logged and lost, not retried; a cold boot recovers the gap.
func (c *Cache) Snapshot(ctx context.Context, store SnapshotStore) ResumeToken {
	// Derived indexes are rebuilt from guild data on restore.
	c.guildChannels.Clear()
	c.privateChannels.Clear()
	c.dmChannelsByUser.Clear()
	c.emojis.Clear()

	// Partition guilds so no chunk exceeds the entity ceiling. A single
	// guild bigger than the ceiling still gets a chunk of its own.
	var workOrders [][]string
	var order []string
	count := 0
	c.guilds.Range(func(id string, guild *CachedGuild) bool {
		entities := guild.entityCount()
		if count > 0 && count+entities > c.snapshotChunkLimit {
			workOrders = append(workOrders, order)
			order = nil
			count = 0
		}
		order = append(order, id)
		count += entities
		return true
	})
	if len(order) > 0 {
		workOrders = append(workOrders, order)
	}

	c.log.Info("freezing_guilds", "guilds", c.guilds.Len(), "chunks", len(workOrders))
	var wg sync.WaitGroup
	for i, guilds := range workOrders {
		wg.Add(1)
		go func(index int, guildIDs []string) {
			defer wg.Done()
			if err := c.freezeGuildChunk(ctx, store, guildIDs, index); err != nil {
				c.log.Error("guild_chunk_freeze_failed", "chunk", index, "error", err)
			}
		}(i, guilds)
	}
	wg.Wait()

	userChunks := c.users.Len()/c.snapshotChunkLimit + 1
	userOrders := make([][]string, userChunks)
	count = 0
	c.users.Range(func(id string, _ *CachedUser) bool {
		userOrders[count%userChunks] = append(userOrders[count%userChunks], id)
		count++
		return true
	})

	c.log.Info("freezing_users", "users", count, "chunks", userChunks)
	for i, users := range userOrders {
		wg.Add(1)
		go func(index int, userIDs []string) {
			defer wg.Done()
			if err := c.freezeUserChunk(ctx, store, userIDs, index); err != nil {
				c.log.Error("user_chunk_freeze_failed", "chunk", index, "error", err)
			}
		}(i, users)
	}
	wg.Wait()
	c.users.Clear()

	return ResumeToken{GuildChunks: len(workOrders), UserChunks: userChunks}
}

func (c *Cache) freezeGuildChunk(ctx context.Context, store SnapshotStore, guildIDs []string, index int) error {
	chunk := make([]coldGuild, 0, len(guildIDs))
	for _, id := range guildIDs {
		guild, ok := c.guilds.Pop(id)
		if !ok {
			continue
		}
		chunk = append(chunk, guild.freeze())
	}
	serialized, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return store.SetWithExpiry(ctx, c.guildChunkKey(index), serialized, c.snapshotTTL)
}

func (c *Cache) freezeUserChunk(ctx context.Context, store SnapshotStore, userIDs []string, index int) error {
	chunk := make([]*CachedUser, 0, len(userIDs))
	for _, id := range userIDs {
		user, ok := c.users.Pop(id)
		if !ok {
			continue
		}
		chunk = append(chunk, user)
	}
	serialized, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return store.SetWithExpiry(ctx, c.userChunkKey(index), serialized, c.snapshotTTL)
}

// Restore rebuilds the cache from a snapshot. Users load before guilds
// so member records can rejoin their shared user. Any failure aborts the
// whole restore; the caller must Reset and cold-boot.
func (c *Cache) Restore(ctx context.Context, store SnapshotStore, token ResumeToken) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < token.UserChunks; i++ {
		index := i
		g.Go(func() error {
			if err := c.defrostUserChunk(gctx, store, index); err != nil {
				return &RestoreError{Phase: "users", Chunk: index, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < token.GuildChunks; i++ {
		index := i
		g.Go(func() error {
			if err := c.defrostGuildChunk(gctx, store, index); err != nil {
				return &RestoreError{Phase: "guilds", Chunk: index, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.filling.Store(false)
	c.log.Info("cache_defrost_complete",
		"guilds", c.guilds.Len(),
		"users", c.users.Len(),
		"channels", c.guildChannels.Len(),
	)
	return nil
}

func (c *Cache) defrostUserChunk(ctx context.Context, store SnapshotStore, index int) error {
	key := c.userChunkKey(index)
	raw, err := store.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	var users []*CachedUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return err
	}
	if err := store.Del(ctx, key); err != nil {
		return err
	}
	for _, user := range users {
		// Counters are not persisted; guild defrost rebuilds them.
		user.MutualGuilds = new(atomic.Int64)
		c.users.Set(user.ID, user)
	}
	c.stats.AddUsersUnique(int64(len(users)))
	return nil
}

func (c *Cache) defrostGuildChunk(ctx context.Context, store SnapshotStore, index int) error {
	key := c.guildChunkKey(index)
	raw, err := store.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	var guilds []coldGuild
	if err := json.Unmarshal(raw, &guilds); err != nil {
		return err
	}
	if err := store.Del(ctx, key); err != nil {
		return err
	}
	for _, cold := range guilds {
		c.defrostGuild(cold)
	}
	return nil
}

func (c *Cache) defrostGuild(cold coldGuild) {
	guild := &CachedGuild{
		ID:       cold.ID,
		Name:     cold.Name,
		Icon:     cold.Icon,
		OwnerID:  cold.OwnerID,
		members:  newConcMap[*CachedMember](),
		channels: newConcMap[*CachedChannel](),
		roles:    newConcMap[*CachedRole](),
		emojis:   newConcMap[*CachedEmoji](),
	}
	guild.memberCount.Store(cold.MemberCount)
	guild.complete.Store(true)

	for _, m := range cold.Members {
		user, ok := c.users.Get(m.UserID)
		if !ok {
			// Should not happen with a consistent snapshot; keep the
			// member-implies-user invariant intact regardless.
			c.log.Warn("defrost_member_without_user", "guild_id", cold.ID, "user_id", m.UserID)
			user = c.getOrInsertUser(models.DiscordUser{ID: m.UserID})
		}
		user.MutualGuilds.Add(1)
		guild.members.Set(m.UserID, &CachedMember{
			User:     user,
			Nickname: m.Nickname,
			Roles:    m.Roles,
			JoinedAt: m.JoinedAt,
		})
	}
	for _, ch := range cold.Channels {
		guild.channels.Set(ch.ID, ch)
		c.guildChannels.Set(ch.ID, ch)
	}
	for _, r := range cold.Roles {
		guild.roles.Set(r.ID, r)
	}
	for _, e := range cold.Emojis {
		guild.emojis.Set(e.ID, e)
		c.emojis.Set(e.ID, e)
	}

	c.guilds.Set(guild.ID, guild)
	c.stats.AddGuildsLoaded(1)
	c.stats.AddUsersTotal(int64(len(cold.Members)))
	c.stats.AddChannels(int64(len(cold.Channels)))
}
