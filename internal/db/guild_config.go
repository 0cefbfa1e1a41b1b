package db

import (
	"context"
	"log/slog"
	"sync"
)

// GuildConfig is per-guild bot configuration, cached in memory and
// written back in batches.
type GuildConfig struct {
	Prefixes    []string
	Authorities []string
	WithLyrics  bool

	modified bool
}

func defaultGuildConfig() *GuildConfig {
	return &GuildConfig{
		Prefixes:   []string{"<"},
		WithLyrics: true,
	}
}

// GuildConfigStore lazily loads guild configs and tracks which entries
// changed so FlushModified only touches dirty rows.
type GuildConfigStore struct {
	log *slog.Logger
	db  *DB

	mu      sync.RWMutex
	configs map[string]*GuildConfig
}

func NewGuildConfigStore(log *slog.Logger, dbConn *DB) *GuildConfigStore {
	return &GuildConfigStore{
		log:     log,
		db:      dbConn,
		configs: make(map[string]*GuildConfig),
	}
}

func (s *GuildConfigStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS guild_configs (
			guild_id    TEXT PRIMARY KEY,
			prefixes    TEXT[] NOT NULL,
			authorities TEXT[] NOT NULL DEFAULT '{}',
			with_lyrics BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	)
	return err
}

// LoadAll warms the in-memory map on startup.
func (s *GuildConfigStore) LoadAll(ctx context.Context) error {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT guild_id, prefixes, authorities, with_lyrics FROM guild_configs`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var guildID string
		cfg := &GuildConfig{}
		if err := rows.Scan(&guildID, &cfg.Prefixes, &cfg.Authorities, &cfg.WithLyrics); err != nil {
			return err
		}
		s.configs[guildID] = cfg
		loaded++
	}
	s.log.Info("guild_configs_loaded", "count", loaded)
	return rows.Err()
}

// Get returns the config for a guild, falling back to defaults for
// guilds never configured.
func (s *GuildConfigStore) Get(guildID string) GuildConfig {
	s.mu.RLock()
	cfg, ok := s.configs[guildID]
	s.mu.RUnlock()
	if !ok {
		return *defaultGuildConfig()
	}
	return *cfg
}

// Update mutates a guild's config and marks it dirty.
func (s *GuildConfigStore) Update(guildID string, fn func(*GuildConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[guildID]
	if !ok {
		cfg = defaultGuildConfig()
		s.configs[guildID] = cfg
	}
	fn(cfg)
	cfg.modified = true
}

// FlushModified upserts every dirty config; called on shutdown and from
// a periodic job.
func (s *GuildConfigStore) FlushModified(ctx context.Context) error {
	type row struct {
		guildID string
		cfg     GuildConfig
	}
	var dirty []row

	s.mu.Lock()
	for id, cfg := range s.configs {
		if cfg.modified {
			dirty = append(dirty, row{guildID: id, cfg: *cfg})
			cfg.modified = false
		}
	}
	s.mu.Unlock()

	for _, r := range dirty {
		_, err := s.db.Pool.Exec(ctx,
			`INSERT INTO guild_configs (guild_id, prefixes, authorities, with_lyrics)
			 VALUES ($1,$2,$3,$4)
			 ON CONFLICT (guild_id) DO UPDATE
			 SET prefixes = $2, authorities = $3, with_lyrics = $4`,
			r.guildID, r.cfg.Prefixes, r.cfg.Authorities, r.cfg.WithLyrics,
		)
		if err != nil {
			return err
		}
	}
	if len(dirty) > 0 {
		s.log.Info("guild_configs_flushed", "count", len(dirty))
	}
	return nil
}
