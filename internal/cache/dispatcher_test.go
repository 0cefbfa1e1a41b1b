package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rivistaa/Bathbot/internal/models"
	"github.com/Rivistaa/Bathbot/internal/stats"
)

func TestGuildCreateRequestsMemberChunks(t *testing.T) {
	d, c, req := newTestDispatcher(t)

	createGuild(t, d, 2, guildPayload("1", "guild"))

	if req.count() != 1 {
		t.Fatalf("expected 1 member-chunk request, got %d", req.count())
	}
	guild, ok := c.GetGuild("1")
	if !ok {
		t.Fatal("guild not cached after create")
	}
	if guild.Complete() {
		t.Fatal("fresh guild must start incomplete")
	}
}

func TestGuildCreatePropagatesRequestError(t *testing.T) {
	d, c, req := newTestDispatcher(t)
	req.err = errors.New("socket closed")

	err := d.Apply(context.Background(), models.Event{
		Type: models.EventGuildCreate, ShardID: 0, Data: guildPayload("1", "guild"),
	})
	if err == nil {
		t.Fatal("chunk request transport failure must propagate")
	}
	// The guild itself is cached regardless; the chunk request can be
	// retried on reconnect.
	if _, ok := c.GetGuild("1"); !ok {
		t.Fatal("guild not cached after failed chunk request")
	}
}

func TestGuildCreateIdempotent(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	payload := guildPayload("1", "guild", wireMember("10", "alice"), wireMember("11", "bob"))

	createGuild(t, d, 0, payload)
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"), wireMember("11", "bob"))

	// A replayed create fully supersedes the old record.
	createGuild(t, d, 0, payload)
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"), wireMember("11", "bob"))

	if c.GuildCount() != 1 {
		t.Fatalf("expected 1 guild, got %d", c.GuildCount())
	}
	if c.UserCount() != 2 {
		t.Fatalf("expected 2 unique users, got %d", c.UserCount())
	}
	for _, id := range []string{"10", "11"} {
		user, ok := c.GetUser(id)
		if !ok {
			t.Fatalf("user %s missing", id)
		}
		if got := user.MutualGuilds.Load(); got != 1 {
			t.Fatalf("user %s refcount = %d, want 1", id, got)
		}
	}
	if c.guildChannels.Len() != 1 {
		t.Fatalf("expected 1 indexed channel, got %d", c.guildChannels.Len())
	}
	if c.emojis.Len() != 1 {
		t.Fatalf("expected 1 indexed emoji, got %d", c.emojis.Len())
	}
}

func TestGuildUpdateMutatesInPlace(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "before"))

	mustApply(t, d, models.Event{Type: models.EventGuildUpdate, Data: &models.DiscordGuild{ID: "1", Name: "after"}})
	guild, _ := c.GetGuild("1")
	if guild.Name != "after" {
		t.Fatalf("guild name = %q, want %q", guild.Name, "after")
	}

	// Update for an unknown guild is a logged no-op.
	mustApply(t, d, models.Event{Type: models.EventGuildUpdate, Data: &models.DiscordGuild{ID: "404", Name: "x"}})
}

func TestGuildDeleteEvictsUsers(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"), wireMember("11", "bob"))

	mustApply(t, d, models.Event{Type: models.EventGuildDelete, Data: &models.GuildDelete{ID: "1"}})

	if c.GuildCount() != 0 {
		t.Fatal("guild still cached after delete")
	}
	if c.UserCount() != 0 {
		t.Fatalf("expected all users evicted, %d remain", c.UserCount())
	}
	if c.guildChannels.Len() != 0 {
		t.Fatal("channel index not cleaned up")
	}
	if c.IsUnavailable("1") {
		t.Fatal("hard delete must not mark the guild unavailable")
	}
}

func TestGuildDeleteOutage(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	mustApply(t, d, models.Event{Type: models.EventGuildDelete, Data: &models.GuildDelete{ID: "1", Unavailable: true}})

	if !c.IsUnavailable("1") {
		t.Fatal("outage delete should mark the guild unavailable")
	}
	// The guild in outage holds no live data.
	if c.GuildCount() != 0 || c.UserCount() != 0 {
		t.Fatal("outage guild must be fully evicted")
	}

	// Coming back clears the outage entry.
	createGuild(t, d, 0, guildPayload("1", "guild"))
	if c.IsUnavailable("1") {
		t.Fatal("guild still marked unavailable after recreate")
	}
}

func TestMemberChunkCompletion(t *testing.T) {
	d, c, _ := newTestDispatcher(t)

	mustApply(t, d, models.Event{Type: models.EventReady, ShardID: 0, Data: &models.Ready{
		Guilds: []models.GuildDelete{{ID: "1", Unavailable: true}},
	}})
	if c.IsReady() {
		t.Fatal("cache must be filling while chunks are outstanding")
	}

	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 2, wireMember("10", "alice"))

	guild, _ := c.GetGuild("1")
	if guild.Complete() {
		t.Fatal("guild complete before final chunk page")
	}

	chunkGuild(t, d, 0, "1", 1, 2, wireMember("11", "bob"))
	if !guild.Complete() {
		t.Fatal("guild not complete after final chunk page")
	}
	if !c.IsReady() {
		t.Fatal("filling flag not cleared after last shard finished")
	}
	if guild.Members() != 2 {
		t.Fatalf("expected 2 members, got %d", guild.Members())
	}
}

func TestFillingWaitsForEveryShard(t *testing.T) {
	c := New(testLogger(), stats.New(prometheus.NewRegistry()), Options{ShardCount: 2})
	d := NewDispatcher(testLogger(), c, &fakeRequester{}, 10*time.Millisecond)

	mustApply(t, d, models.Event{Type: models.EventReady, ShardID: 0, Data: &models.Ready{
		Guilds: []models.GuildDelete{{ID: "1", Unavailable: true}},
	}})
	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	// Shard 0 is done, but shard 1 has not even sent ready yet; its
	// whole guild set is still missing.
	if c.IsReady() {
		t.Fatal("filling flipped false although shard 1 never reported")
	}

	mustApply(t, d, models.Event{Type: models.EventReady, ShardID: 1, Data: &models.Ready{}})
	if !c.IsReady() {
		t.Fatal("cache still filling after every shard reported zero outstanding")
	}
}

func TestMemberChunkWithNonceDoesNotComplete(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))

	mustApply(t, d, models.Event{Type: models.EventMemberChunk, ShardID: 0, Data: &models.MemberChunk{
		GuildID:    "1",
		Members:    []models.DiscordMember{wireMember("10", "alice")},
		ChunkIndex: 0,
		ChunkCount: 1,
		Nonce:      "targeted",
	}})

	guild, _ := c.GetGuild("1")
	if guild.Complete() {
		t.Fatal("nonce chunk must not drive completeness")
	}
	if _, ok := c.GetUser("10"); !ok {
		t.Fatal("nonce chunk members should still be cached")
	}
}

func TestMemberAddAndRemove(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "one"))
	createGuild(t, d, 0, guildPayload("2", "two"))
	chunkGuild(t, d, 0, "1", 0, 1)
	chunkGuild(t, d, 0, "2", 0, 1)

	add := func(guildID string) {
		mustApply(t, d, models.Event{Type: models.EventMemberAdd, Data: &models.MemberAdd{
			DiscordMember: wireMember("10", "alice"),
			GuildID:       guildID,
		}})
	}
	add("1")
	add("2")

	user, ok := c.GetUser("10")
	if !ok {
		t.Fatal("user missing after member add")
	}
	if got := user.MutualGuilds.Load(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	mustApply(t, d, models.Event{Type: models.EventMemberRemove, Data: &models.MemberRemove{
		GuildID: "1", User: wireUser("10", "alice"),
	}})
	if _, ok := c.GetUser("10"); !ok {
		t.Fatal("user evicted while still member of guild 2")
	}

	mustApply(t, d, models.Event{Type: models.EventMemberRemove, Data: &models.MemberRemove{
		GuildID: "2", User: wireUser("10", "alice"),
	}})
	if _, ok := c.GetUser("10"); ok {
		t.Fatal("user not evicted after last membership removed")
	}
}

func TestMemberUpdateAppliesDirectly(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	nick := "nickname"
	mustApply(t, d, models.Event{Type: models.EventMemberUpdate, Data: &models.MemberUpdate{
		GuildID: "1",
		User:    wireUser("10", "alice"),
		Nick:    &nick,
		Roles:   []string{"r1"},
	}})

	guild, _ := c.GetGuild("1")
	member, ok := guild.Member("10")
	if !ok {
		t.Fatal("member missing")
	}
	if member.Nickname != "nickname" {
		t.Fatalf("nickname = %q, want %q", member.Nickname, "nickname")
	}
	if len(member.Roles) != 1 || member.Roles[0] != "r1" {
		t.Fatalf("roles = %v, want [r1]", member.Roles)
	}
}

func TestMemberUpdateRetriesOnceAfterChunkRace(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))

	// Update races ahead of the chunk carrying the member.
	nick := "late"
	mustApply(t, d, models.Event{Type: models.EventMemberUpdate, Data: &models.MemberUpdate{
		GuildID: "1",
		User:    wireUser("10", "alice"),
		Nick:    &nick,
	}})

	guild, _ := c.GetGuild("1")
	if _, ok := guild.Member("10"); ok {
		t.Fatal("member should not exist yet")
	}

	// The chunk lands within the retry window.
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	deadline := time.Now().Add(time.Second)
	for {
		member, ok := guild.Member("10")
		if ok && member.Nickname == "late" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retried member update never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemberUpdateRefreshesGlobalUser(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	before, _ := c.GetUser("10")
	before.MutualGuilds.Add(1) // pretend a second guild references it

	mustApply(t, d, models.Event{Type: models.EventMemberUpdate, Data: &models.MemberUpdate{
		GuildID: "1",
		User:    models.DiscordUser{ID: "10", Username: "renamed"},
	}})

	after, ok := c.GetUser("10")
	if !ok {
		t.Fatal("user missing after update")
	}
	if after.Username != "renamed" {
		t.Fatalf("username = %q, want %q", after.Username, "renamed")
	}
	// The refreshed record must share the old counter.
	if after.MutualGuilds != before.MutualGuilds {
		t.Fatal("profile refresh must not fork the mutual-guild counter")
	}
}

func TestChannelLifecycle(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))

	mustApply(t, d, models.Event{Type: models.EventChannelCreate, Data: &models.DiscordChannel{
		ID: "c1", Type: 0, GuildID: "1", Name: "chat",
	}})
	if _, ok := c.GetGuildChannel("c1"); !ok {
		t.Fatal("channel not in global index after create")
	}

	mustApply(t, d, models.Event{Type: models.EventChannelUpdate, Data: &models.DiscordChannel{
		ID: "c1", Type: 0, GuildID: "1", Name: "renamed",
	}})
	ch, _ := c.GetGuildChannel("c1")
	if ch.Name != "renamed" {
		t.Fatalf("channel name = %q, want %q", ch.Name, "renamed")
	}

	mustApply(t, d, models.Event{Type: models.EventChannelDelete, Data: &models.DiscordChannel{
		ID: "c1", Type: 0, GuildID: "1",
	}})
	if _, ok := c.GetGuildChannel("c1"); ok {
		t.Fatal("channel still indexed after delete")
	}
	guild, _ := c.GetGuild("1")
	if _, ok := guild.Channel("c1"); ok {
		t.Fatal("channel still in guild after delete")
	}

	// Channel events for unknown guilds are logged, never fatal.
	mustApply(t, d, models.Event{Type: models.EventChannelCreate, Data: &models.DiscordChannel{
		ID: "c2", Type: 0, GuildID: "404",
	}})
}

func TestPrivateChannelLifecycle(t *testing.T) {
	d, c, _ := newTestDispatcher(t)

	mustApply(t, d, models.Event{Type: models.EventChannelCreate, Data: &models.DiscordChannel{
		ID: "dm1", Type: 1, Recipients: []models.DiscordUser{wireUser("10", "alice")},
	}})
	if _, ok := c.GetPrivateChannel("dm1"); !ok {
		t.Fatal("private channel not cached")
	}
	if _, ok := c.GetDMChannelByUser("10"); !ok {
		t.Fatal("dm channel not indexed by recipient")
	}

	mustApply(t, d, models.Event{Type: models.EventChannelDelete, Data: &models.DiscordChannel{
		ID: "dm1", Type: 1, Recipients: []models.DiscordUser{wireUser("10", "alice")},
	}})
	if _, ok := c.GetPrivateChannel("dm1"); ok {
		t.Fatal("private channel still cached after delete")
	}
	if _, ok := c.GetDMChannelByUser("10"); ok {
		t.Fatal("dm index still holds deleted channel")
	}
}

func TestRoleLifecycle(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild"))

	mustApply(t, d, models.Event{Type: models.EventRoleCreate, Data: &models.RoleCreate{
		GuildID: "1", Role: models.DiscordRole{ID: "r1", Name: "mods"},
	}})
	if _, ok := c.GetRole("1", "r1"); !ok {
		t.Fatal("role not cached after create")
	}

	mustApply(t, d, models.Event{Type: models.EventRoleUpdate, Data: &models.RoleCreate{
		GuildID: "1", Role: models.DiscordRole{ID: "r1", Name: "admins"},
	}})
	role, _ := c.GetRole("1", "r1")
	if role.Name != "admins" {
		t.Fatalf("role name = %q, want %q", role.Name, "admins")
	}

	mustApply(t, d, models.Event{Type: models.EventRoleDelete, Data: &models.RoleDelete{
		GuildID: "1", RoleID: "r1",
	}})
	if _, ok := c.GetRole("1", "r1"); ok {
		t.Fatal("role still cached after delete")
	}

	// Role events for unknown guilds are logged, never fatal.
	mustApply(t, d, models.Event{Type: models.EventRoleDelete, Data: &models.RoleDelete{
		GuildID: "404", RoleID: "r1",
	}})
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	d.StartWorkers(2)
	defer d.StopWorkers()

	d.eventQueue <- models.Event{Type: models.EventGuildCreate, ShardID: 0, Data: guildPayload("1", "guild")}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.GetGuild("1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never applied queued event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
