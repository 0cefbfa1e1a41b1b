package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rivistaa/Bathbot/internal/models"
	"github.com/Rivistaa/Bathbot/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(testLogger(), stats.New(prometheus.NewRegistry()), Options{})
}

type fakeRequester struct {
	mu       sync.Mutex
	requests [][2]interface{} // shardID, guildID
	err      error
}

func (f *fakeRequester) RequestGuildMembers(_ context.Context, shardID int, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, [2]interface{}{shardID, guildID})
	return f.err
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Cache, *fakeRequester) {
	t.Helper()
	c := newTestCache(t)
	req := &fakeRequester{}
	d := NewDispatcher(testLogger(), c, req, 10*time.Millisecond)
	return d, c, req
}

func wireUser(id, name string) models.DiscordUser {
	return models.DiscordUser{ID: id, Username: name}
}

func wireMember(userID, name string) models.DiscordMember {
	return models.DiscordMember{User: wireUser(userID, name)}
}

func guildPayload(id, name string, members ...models.DiscordMember) *models.DiscordGuild {
	return &models.DiscordGuild{
		ID:          id,
		Name:        name,
		MemberCount: len(members),
		Members:     members,
		Channels: []models.DiscordChannel{
			{ID: id + "-general", Type: 0, GuildID: id, Name: "general"},
		},
		Roles: []models.DiscordRole{
			{ID: id + "-everyone", Name: "@everyone"},
		},
		Emojis: []models.DiscordEmoji{
			{ID: id + "-emoji", Name: "blob"},
		},
	}
}

func testDMEvent(channelID, userID string) models.Event {
	return models.Event{Type: models.EventChannelCreate, Data: &models.DiscordChannel{
		ID:         channelID,
		Type:       channelTypeDM,
		Recipients: []models.DiscordUser{wireUser(userID, "dm-user")},
	}}
}

func mustApply(t *testing.T, d *Dispatcher, event models.Event) {
	t.Helper()
	if err := d.Apply(context.Background(), event); err != nil {
		t.Fatalf("apply %s: %v", event.Type, err)
	}
}

func createGuild(t *testing.T, d *Dispatcher, shardID int, payload *models.DiscordGuild) {
	t.Helper()
	mustApply(t, d, models.Event{Type: models.EventGuildCreate, ShardID: shardID, Data: payload})
}

func chunkGuild(t *testing.T, d *Dispatcher, shardID int, guildID string, index, count int, members ...models.DiscordMember) {
	t.Helper()
	mustApply(t, d, models.Event{Type: models.EventMemberChunk, ShardID: shardID, Data: &models.MemberChunk{
		GuildID:    guildID,
		Members:    members,
		ChunkIndex: index,
		ChunkCount: count,
	}})
}

func TestGetOrInsertUserDeduplicates(t *testing.T) {
	c := newTestCache(t)

	first := c.getOrInsertUser(wireUser("1", "alice"))
	second := c.getOrInsertUser(wireUser("1", "alice"))
	if first != second {
		t.Fatal("expected the same user record for repeated inserts")
	}
	if c.UserCount() != 1 {
		t.Fatalf("expected 1 unique user, got %d", c.UserCount())
	}
}

func TestReleaseUserEvictsAtZero(t *testing.T) {
	c := newTestCache(t)

	user := c.getOrInsertUser(wireUser("1", "alice"))
	user.MutualGuilds.Add(2)

	c.releaseUser(user)
	if _, ok := c.GetUser("1"); !ok {
		t.Fatal("user evicted while still referenced by one guild")
	}

	c.releaseUser(user)
	if _, ok := c.GetUser("1"); ok {
		t.Fatal("user not evicted when mutual-guild count reached zero")
	}
}

func TestConcurrentReleaseEvictsOnce(t *testing.T) {
	c := newTestCache(t)

	user := c.getOrInsertUser(wireUser("1", "alice"))
	user.MutualGuilds.Add(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.releaseUser(user)
		}()
	}
	wg.Wait()

	if _, ok := c.GetUser("1"); ok {
		t.Fatal("user still present after all references released")
	}
	if got := user.MutualGuilds.Load(); got != 0 {
		t.Fatalf("expected counter 0, got %d", got)
	}
}

func TestUnavailableTracking(t *testing.T) {
	c := newTestCache(t)

	c.markUnavailable("1")
	if !c.IsUnavailable("1") {
		t.Fatal("guild not marked unavailable")
	}
	if !c.clearUnavailable("1") {
		t.Fatal("clearUnavailable should report the guild was in outage")
	}
	if c.IsUnavailable("1") {
		t.Fatal("guild still unavailable after clear")
	}
	if c.clearUnavailable("1") {
		t.Fatal("second clear should be a no-op")
	}
}

func TestShardBookkeeping(t *testing.T) {
	c := newTestCache(t)

	// A shard never seen owes nothing: that is the cold-resume case.
	if !c.ShardCached(3) {
		t.Fatal("unknown shard should count as cached")
	}

	c.setExpectedGuilds(0, 2)
	if c.ShardCached(0) {
		t.Fatal("shard with outstanding guilds reported cached")
	}
	if c.guildLoaded(0) {
		t.Fatal("first of two guilds must not complete the shard")
	}
	if !c.guildLoaded(0) {
		t.Fatal("second guild should complete the shard")
	}
	if !c.ShardCached(0) {
		t.Fatal("shard should be cached after all guilds loaded")
	}
}

func TestReadAPI(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	createGuild(t, d, 0, guildPayload("1", "guild", wireMember("10", "alice")))
	chunkGuild(t, d, 0, "1", 0, 1, wireMember("10", "alice"))

	if _, ok := c.GetGuild("1"); !ok {
		t.Fatal("guild not found")
	}
	if _, ok := c.GetUser("10"); !ok {
		t.Fatal("user not found")
	}
	if _, ok := c.GetGuildChannel("1-general"); !ok {
		t.Fatal("channel not in global index")
	}
	if _, ok := c.GetEmoji("1-emoji"); !ok {
		t.Fatal("emoji not in global index")
	}
	if _, ok := c.GetRole("1", "1-everyone"); !ok {
		t.Fatal("role not found")
	}
	if _, ok := c.GetRole("2", "1-everyone"); ok {
		t.Fatal("role lookup for unknown guild should miss")
	}
}

func TestResetReentersFilling(t *testing.T) {
	d, c, _ := newTestDispatcher(t)
	mustApply(t, d, models.Event{Type: models.EventReady, ShardID: 0, Data: &models.Ready{}})
	if !c.IsReady() {
		t.Fatal("cache with zero expected guilds should be ready")
	}

	c.Reset()
	if c.IsReady() {
		t.Fatal("reset cache should be filling again")
	}
	if c.GuildCount() != 0 || c.UserCount() != 0 {
		t.Fatal("reset cache should be empty")
	}
}
