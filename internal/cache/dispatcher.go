package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Rivistaa/Bathbot/internal/models"
)

const defaultMemberUpdateRetryDelay = 100 * time.Millisecond

// MemberRequester issues the outbound request for a guild's full member
// dump. The data itself arrives later as GUILD_MEMBERS_CHUNK events.
type MemberRequester interface {
	RequestGuildMembers(ctx context.Context, shardID int, guildID string) error
}

type worker struct {
	id       int
	stopChan chan bool
}

// Dispatcher drains the gateway event queue and applies each event to
// the cache. Every mutation is safe under arbitrary worker interleaving;
// the only failures that propagate are member-chunk request transport
// errors, everything else is a logged consistency gap.
type Dispatcher struct {
	log       *slog.Logger
	cache     *Cache
	requester MemberRequester

	retryDelay time.Duration

	eventQueue chan models.Event
	workerPool []*worker
	wg         sync.WaitGroup
	mu         sync.Mutex
}

func NewDispatcher(log *slog.Logger, c *Cache, requester MemberRequester, retryDelay time.Duration) *Dispatcher {
	if retryDelay <= 0 {
		retryDelay = defaultMemberUpdateRetryDelay
	}
	return &Dispatcher{
		log:        log,
		cache:      c,
		requester:  requester,
		retryDelay: retryDelay,
		eventQueue: make(chan models.Event, 50000),
	}
}

func (d *Dispatcher) Queue() chan<- models.Event {
	return d.eventQueue
}

// SetRequester breaks the construction cycle between the dispatcher and
// the transport: the transport needs the event queue, the dispatcher
// needs the transport for chunk requests.
func (d *Dispatcher) SetRequester(r MemberRequester) {
	d.requester = r
}

func (d *Dispatcher) StartWorkers(workerCount int) {
	if workerCount < 1 {
		workerCount = 8
	}
	if workerCount > 128 {
		workerCount = 128
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:       i + 1,
			stopChan: make(chan bool, 1),
		}
		d.workerPool = append(d.workerPool, w)

		d.wg.Add(1)
		go d.runWorker(w)
	}

	d.log.Info("event_workers_started", "count", workerCount)
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.eventQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := d.Apply(ctx, event); err != nil {
				d.log.Warn("event_apply_failed",
					"worker_id", w.id,
					"event_type", event.Type,
					"shard_id", event.ShardID,
					"error", err,
				)
			}
			cancel()
		case <-w.stopChan:
			return
		}
	}
}

func (d *Dispatcher) StopWorkers() {
	d.mu.Lock()
	for _, w := range d.workerPool {
		select {
		case w.stopChan <- true:
		default:
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("all_event_workers_stopped")
}

// Apply applies one event to the cache. The returned error is non-nil
// only when the outbound member-chunk request fails.
func (d *Dispatcher) Apply(ctx context.Context, event models.Event) error {
	d.cache.stats.EventHandled(event.Type)

	switch event.Type {
	case models.EventReady:
		if ready, ok := event.Data.(*models.Ready); ok {
			d.handleReady(event.ShardID, ready)
		}
	case models.EventGuildCreate:
		if guild, ok := event.Data.(*models.DiscordGuild); ok {
			return d.handleGuildCreate(ctx, event.ShardID, guild)
		}
	case models.EventGuildUpdate:
		if guild, ok := event.Data.(*models.DiscordGuild); ok {
			d.handleGuildUpdate(guild)
		}
	case models.EventGuildDelete:
		if del, ok := event.Data.(*models.GuildDelete); ok {
			d.handleGuildDelete(del)
		}
	case models.EventMemberChunk:
		if chunk, ok := event.Data.(*models.MemberChunk); ok {
			d.handleMemberChunk(event.ShardID, chunk)
		}
	case models.EventMemberAdd:
		if add, ok := event.Data.(*models.MemberAdd); ok {
			d.handleMemberAdd(add)
		}
	case models.EventMemberUpdate:
		if update, ok := event.Data.(*models.MemberUpdate); ok {
			d.handleMemberUpdate(update)
		}
	case models.EventMemberRemove:
		if remove, ok := event.Data.(*models.MemberRemove); ok {
			d.handleMemberRemove(remove)
		}
	case models.EventChannelCreate, models.EventChannelUpdate:
		if ch, ok := event.Data.(*models.DiscordChannel); ok {
			d.handleChannelUpsert(ch)
		}
	case models.EventChannelDelete:
		if ch, ok := event.Data.(*models.DiscordChannel); ok {
			d.handleChannelDelete(ch)
		}
	case models.EventRoleCreate, models.EventRoleUpdate:
		if role, ok := event.Data.(*models.RoleCreate); ok {
			d.handleRoleUpsert(role)
		}
	case models.EventRoleDelete:
		if del, ok := event.Data.(*models.RoleDelete); ok {
			d.handleRoleDelete(del)
		}
	default:
		d.log.Debug("unknown_event_type", "type", event.Type)
	}
	return nil
}

func (d *Dispatcher) handleReady(shardID int, ready *models.Ready) {
	d.cache.setExpectedGuilds(shardID, int64(len(ready.Guilds)))
	d.log.Info("shard_ready", "shard_id", shardID, "expected_guilds", len(ready.Guilds))
	if len(ready.Guilds) == 0 {
		d.maybeFinishFilling()
	}
}

func (d *Dispatcher) handleGuildCreate(ctx context.Context, shardID int, payload *models.DiscordGuild) error {
	c := d.cache

	// A second create for a cached id is a reconnect replay or an outage
	// recovery; the old record is fully superseded so derived counters
	// never double count.
	if old, ok := c.guilds.Get(payload.ID); ok {
		if old.Complete() {
			c.stats.AddGuildsLoaded(-1)
		} else {
			c.stats.AddGuildsPartial(-1)
		}
		c.evictGuild(old)
	}

	guild := newCachedGuild(payload)
	c.indexGuild(guild)

	if c.clearUnavailable(guild.ID) {
		d.log.Info("guild_available_again", "guild_id", guild.ID, "guild_name", guild.Name)
	}

	c.guilds.Set(guild.ID, guild)
	c.stats.AddGuildsPartial(1)

	if d.requester == nil {
		return nil
	}
	if err := d.requester.RequestGuildMembers(ctx, shardID, guild.ID); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) handleGuildUpdate(payload *models.DiscordGuild) {
	guild, ok := d.cache.guilds.Get(payload.ID)
	if !ok {
		d.log.Warn("guild_update_for_uncached_guild", "guild_id", payload.ID, "guild_name", payload.Name)
		return
	}
	guild.applyUpdate(payload)
}

func (d *Dispatcher) handleGuildDelete(payload *models.GuildDelete) {
	c := d.cache
	guild, ok := c.guilds.Get(payload.ID)
	if !ok {
		return
	}
	if guild.Complete() {
		c.stats.AddGuildsLoaded(-1)
	} else {
		c.stats.AddGuildsPartial(-1)
	}
	if payload.Unavailable {
		d.log.Warn("guild_unavailable", "guild_id", guild.ID, "guild_name", guild.Name)
		c.markUnavailable(guild.ID)
	}
	c.evictGuild(guild)
	c.guilds.Delete(guild.ID)
}

func (d *Dispatcher) handleMemberChunk(shardID int, chunk *models.MemberChunk) {
	c := d.cache
	guild, ok := c.guilds.Get(chunk.GuildID)
	if !ok {
		d.log.Error("member_chunk_before_guild_create", "guild_id", chunk.GuildID, "chunk_index", chunk.ChunkIndex)
		return
	}

	for _, m := range chunk.Members {
		user := c.getOrInsertUser(m.User)
		user.MutualGuilds.Add(1)
		guild.members.Set(m.User.ID, newCachedMember(m, user))
	}
	c.stats.AddUsersTotal(int64(len(chunk.Members)))

	// Chunks with a nonce belong to targeted requests, not the initial
	// full dump, and must not drive completeness.
	if chunk.ChunkIndex != chunk.ChunkCount-1 || chunk.Nonce != "" {
		return
	}

	if !guild.complete.CompareAndSwap(false, true) {
		return
	}
	c.stats.AddGuildsPartial(-1)
	c.stats.AddGuildsLoaded(1)
	d.log.Debug("guild_chunks_complete", "guild_id", guild.ID, "guild_name", guild.Name)

	if c.guildLoaded(shardID) {
		d.log.Info("all_guilds_cached_for_shard", "shard_id", shardID)
	}
	d.maybeFinishFilling()
}

func (d *Dispatcher) maybeFinishFilling() {
	c := d.cache
	if !c.filling.Load() || !c.allShardsCached() {
		return
	}
	if c.filling.CompareAndSwap(true, false) {
		d.log.Info("initial_cache_fill_complete", "cluster_id", c.clusterID, "guilds", c.guilds.Len(), "users", c.users.Len())
	}
}

func (d *Dispatcher) handleMemberAdd(payload *models.MemberAdd) {
	c := d.cache
	guild, ok := c.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("member_add_for_uncached_guild", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		return
	}
	user := c.getOrInsertUser(payload.User)
	user.MutualGuilds.Add(1)
	guild.members.Set(payload.User.ID, newCachedMember(payload.DiscordMember, user))
	guild.memberCount.Add(1)
	c.stats.AddUsersTotal(1)
}

func (d *Dispatcher) handleMemberUpdate(payload *models.MemberUpdate) {
	if d.applyMemberUpdate(payload, true) {
		return
	}
	// The member may still be in flight inside a pending chunk; give the
	// chunk one chance to land, then apply or drop.
	go func() {
		time.Sleep(d.retryDelay)
		d.applyMemberUpdate(payload, false)
	}()
}

// applyMemberUpdate returns false only when the update should be retried.
func (d *Dispatcher) applyMemberUpdate(payload *models.MemberUpdate, firstAttempt bool) bool {
	c := d.cache
	guild, ok := c.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("member_update_for_uncached_guild", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		return true
	}

	member, memberCached := guild.members.Get(payload.User.ID)
	if !memberCached && firstAttempt {
		return false
	}

	if user, ok := c.users.Get(payload.User.ID); ok {
		if !user.sameAs(payload.User) {
			// Mutual guilds each deliver this update; refreshing the
			// global record once covers them all.
			c.users.Set(payload.User.ID, user.refreshed(payload.User))
		}
	} else if guild.Complete() {
		d.log.Warn("member_update_with_uncached_user", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		c.getOrInsertUser(payload.User)
	}

	if !memberCached {
		if guild.Complete() {
			d.log.Warn("member_update_for_unknown_member", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		}
		return true
	}

	guild.members.Set(payload.User.ID, member.withUpdate(payload))
	return true
}

func (d *Dispatcher) handleMemberRemove(payload *models.MemberRemove) {
	c := d.cache
	guild, ok := c.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("member_remove_for_uncached_guild", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		return
	}
	member, ok := guild.members.Pop(payload.User.ID)
	if !ok {
		if guild.Complete() {
			d.log.Warn("member_remove_for_unknown_member", "guild_id", payload.GuildID, "user_id", payload.User.ID)
		}
		return
	}
	c.releaseUser(member.User)
	guild.memberCount.Add(-1)
	c.stats.AddUsersTotal(-1)
}

func (d *Dispatcher) handleChannelUpsert(payload *models.DiscordChannel) {
	c := d.cache
	if payload.Type == channelTypeDM {
		c.insertPrivateChannel(*payload)
		return
	}
	if payload.GuildID == "" {
		d.log.Warn("guild_channel_without_guild_id", "channel_id", payload.ID)
		return
	}
	guild, ok := c.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("channel_event_for_uncached_guild", "guild_id", payload.GuildID, "channel_id", payload.ID)
		return
	}
	channel := newGuildChannel(*payload, payload.GuildID)
	if _, existed := guild.channels.Get(channel.ID); !existed {
		c.stats.AddChannels(1)
	}
	guild.channels.Set(channel.ID, channel)
	c.guildChannels.Set(channel.ID, channel)
}

func (d *Dispatcher) handleChannelDelete(payload *models.DiscordChannel) {
	c := d.cache
	if payload.Type == channelTypeDM {
		c.privateChannels.Delete(payload.ID)
		if len(payload.Recipients) == 1 {
			c.dmChannelsByUser.Delete(payload.Recipients[0].ID)
		}
		return
	}
	if payload.GuildID == "" {
		d.log.Warn("channel_delete_without_guild_id", "channel_id", payload.ID)
		return
	}
	guild, ok := c.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("channel_delete_for_uncached_guild", "guild_id", payload.GuildID, "channel_id", payload.ID)
		return
	}
	if _, existed := guild.channels.Pop(payload.ID); existed {
		c.stats.AddChannels(-1)
	}
	c.guildChannels.Delete(payload.ID)
}

func (d *Dispatcher) handleRoleUpsert(payload *models.RoleCreate) {
	guild, ok := d.cache.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("role_event_for_uncached_guild", "guild_id", payload.GuildID, "role_id", payload.Role.ID)
		return
	}
	guild.roles.Set(payload.Role.ID, newCachedRole(payload.Role))
}

func (d *Dispatcher) handleRoleDelete(payload *models.RoleDelete) {
	guild, ok := d.cache.guilds.Get(payload.GuildID)
	if !ok {
		d.log.Warn("role_delete_for_uncached_guild", "guild_id", payload.GuildID, "role_id", payload.RoleID)
		return
	}
	guild.roles.Delete(payload.RoleID)
}
