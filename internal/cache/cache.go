package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rivistaa/Bathbot/internal/models"
	"github.com/Rivistaa/Bathbot/internal/stats"
)

const (
	defaultSnapshotChunkLimit = 100_000
	defaultSnapshotTTL        = 180 * time.Second
)

type Options struct {
	ClusterID          int
	ShardCount         int
	SnapshotChunkLimit int
	SnapshotTTL        time.Duration
}

// Cache mirrors the gateway state of every guild this process is a
// shard-holder for. All top-level maps are independently concurrent;
// there is no cache-wide lock.
type Cache struct {
	log   *slog.Logger
	stats *stats.BotStats

	clusterID          int
	shardCount         int
	snapshotChunkLimit int
	snapshotTTL        time.Duration

	guilds           *concMap[*CachedGuild]
	guildChannels    *concMap[*CachedChannel]
	privateChannels  *concMap[*CachedChannel]
	dmChannelsByUser *concMap[*CachedChannel]
	users            *concMap[*CachedUser]
	emojis           *concMap[*CachedEmoji]

	// filling is true during the initial population (or until a cold
	// restore finishes); readers treat a filling cache as best-effort.
	filling atomic.Bool

	unavailableMu sync.Mutex
	unavailable   map[string]struct{}

	missingMu       sync.Mutex
	missingPerShard map[int]*atomic.Int64
}

func New(log *slog.Logger, st *stats.BotStats, opts Options) *Cache {
	if opts.SnapshotChunkLimit <= 0 {
		opts.SnapshotChunkLimit = defaultSnapshotChunkLimit
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	c := &Cache{
		log:                log,
		stats:              st,
		clusterID:          opts.ClusterID,
		shardCount:         opts.ShardCount,
		snapshotChunkLimit: opts.SnapshotChunkLimit,
		snapshotTTL:        opts.SnapshotTTL,
		guilds:             newConcMap[*CachedGuild](),
		guildChannels:      newConcMap[*CachedChannel](),
		privateChannels:    newConcMap[*CachedChannel](),
		dmChannelsByUser:   newConcMap[*CachedChannel](),
		users:              newConcMap[*CachedUser](),
		emojis:             newConcMap[*CachedEmoji](),
		unavailable:        make(map[string]struct{}),
		missingPerShard:    make(map[int]*atomic.Int64),
	}
	c.filling.Store(true)
	return c
}

// Reset drops everything and re-enters the filling phase. Used when a
// cold restore fails and the process falls back to a full boot.
func (c *Cache) Reset() {
	c.guilds.Clear()
	c.guildChannels.Clear()
	c.privateChannels.Clear()
	c.dmChannelsByUser.Clear()
	c.users.Clear()
	c.emojis.Clear()
	c.filling.Store(true)
	c.unavailableMu.Lock()
	c.unavailable = make(map[string]struct{})
	c.unavailableMu.Unlock()
	c.missingMu.Lock()
	c.missingPerShard = make(map[int]*atomic.Int64)
	c.missingMu.Unlock()
}

// ############
// # Read API #
// ############

func (c *Cache) IsReady() bool {
	return !c.filling.Load()
}

func (c *Cache) GetGuild(guildID string) (*CachedGuild, bool) {
	return c.guilds.Get(guildID)
}

func (c *Cache) GetUser(userID string) (*CachedUser, bool) {
	return c.users.Get(userID)
}

func (c *Cache) GetGuildChannel(channelID string) (*CachedChannel, bool) {
	return c.guildChannels.Get(channelID)
}

func (c *Cache) GetPrivateChannel(channelID string) (*CachedChannel, bool) {
	return c.privateChannels.Get(channelID)
}

func (c *Cache) GetDMChannelByUser(userID string) (*CachedChannel, bool) {
	return c.dmChannelsByUser.Get(userID)
}

func (c *Cache) GetEmoji(emojiID string) (*CachedEmoji, bool) {
	return c.emojis.Get(emojiID)
}

func (c *Cache) GetRole(guildID, roleID string) (*CachedRole, bool) {
	guild, ok := c.guilds.Get(guildID)
	if !ok {
		return nil, false
	}
	return guild.Role(roleID)
}

func (c *Cache) GuildCount() int {
	return c.guilds.Len()
}

func (c *Cache) UserCount() int {
	return c.users.Len()
}

// ################
// # User registry #
// ################

func (c *Cache) getOrInsertUser(w models.DiscordUser) *CachedUser {
	if user, ok := c.users.Get(w.ID); ok {
		return user
	}
	user := newCachedUser(w)
	c.users.Set(user.ID, user)
	c.stats.AddUsersUnique(1)
	return user
}

// releaseUser drops one mutual-guild reference and evicts the user on
// the decrement that reaches zero.
func (c *Cache) releaseUser(user *CachedUser) {
	if user.MutualGuilds.Add(-1) == 0 {
		c.users.Delete(user.ID)
		c.stats.AddUsersUnique(-1)
	}
}

// ################
// # Guild churn  #
// ################

// evictGuild tears down every derived index a guild contributed to.
// The guild record itself stays with the caller.
func (c *Cache) evictGuild(guild *CachedGuild) {
	channels := 0
	guild.channels.Range(func(id string, _ *CachedChannel) bool {
		c.guildChannels.Delete(id)
		channels++
		return true
	})
	c.stats.AddChannels(int64(-channels))

	members := 0
	guild.members.Range(func(_ string, m *CachedMember) bool {
		c.releaseUser(m.User)
		members++
		return true
	})
	c.stats.AddUsersTotal(int64(-members))

	guild.emojis.Range(func(id string, _ *CachedEmoji) bool {
		c.emojis.Delete(id)
		return true
	})
}

// indexGuild publishes a guild's channels and emoji into the global maps.
func (c *Cache) indexGuild(guild *CachedGuild) {
	channels := 0
	guild.channels.Range(func(id string, ch *CachedChannel) bool {
		c.guildChannels.Set(id, ch)
		channels++
		return true
	})
	c.stats.AddChannels(int64(channels))
	guild.emojis.Range(func(id string, e *CachedEmoji) bool {
		c.emojis.Set(id, e)
		return true
	})
}

func (c *Cache) insertPrivateChannel(ch models.DiscordChannel) *CachedChannel {
	channel := newPrivateChannel(ch)
	if channel.RecipientID != "" {
		c.dmChannelsByUser.Set(channel.RecipientID, channel)
	}
	c.privateChannels.Set(channel.ID, channel)
	return channel
}

// ###################
// # Outage tracking #
// ###################

func (c *Cache) markUnavailable(guildID string) {
	c.unavailableMu.Lock()
	c.unavailable[guildID] = struct{}{}
	c.unavailableMu.Unlock()
	c.stats.AddGuildsOutage(1)
}

// clearUnavailable reports whether the guild was in outage.
func (c *Cache) clearUnavailable(guildID string) bool {
	c.unavailableMu.Lock()
	_, was := c.unavailable[guildID]
	if was {
		delete(c.unavailable, guildID)
	}
	c.unavailableMu.Unlock()
	if was {
		c.stats.AddGuildsOutage(-1)
	}
	return was
}

func (c *Cache) IsUnavailable(guildID string) bool {
	c.unavailableMu.Lock()
	_, ok := c.unavailable[guildID]
	c.unavailableMu.Unlock()
	return ok
}

// ######################
// # Shard bookkeeping  #
// ######################

// setExpectedGuilds records how many guilds a shard still owes member
// chunks for; set from the shard's ready payload.
func (c *Cache) setExpectedGuilds(shardID int, n int64) {
	counter := new(atomic.Int64)
	counter.Store(n)
	c.missingMu.Lock()
	c.missingPerShard[shardID] = counter
	c.missingMu.Unlock()
}

// guildLoaded decrements a shard's outstanding-guild counter and reports
// whether the shard just reached zero.
func (c *Cache) guildLoaded(shardID int) bool {
	c.missingMu.Lock()
	counter, ok := c.missingPerShard[shardID]
	c.missingMu.Unlock()
	if !ok {
		return false
	}
	return counter.Add(-1) == 0
}

// ShardCached reports whether a shard has no outstanding guilds. A shard
// with no counter at all was cold-resumed and owes nothing.
func (c *Cache) ShardCached(shardID int) bool {
	c.missingMu.Lock()
	counter, ok := c.missingPerShard[shardID]
	c.missingMu.Unlock()
	if !ok {
		return true
	}
	return counter.Load() == 0
}

// allShardsCached reports whether every configured shard has sent its
// ready payload and finished its guilds. A shard that has not reported
// yet still owes its whole guild set, so it blocks the fill from
// completing.
func (c *Cache) allShardsCached() bool {
	c.missingMu.Lock()
	defer c.missingMu.Unlock()
	for shardID := 0; shardID < c.shardCount; shardID++ {
		counter, ok := c.missingPerShard[shardID]
		if !ok || counter.Load() > 0 {
			return false
		}
	}
	return true
}
