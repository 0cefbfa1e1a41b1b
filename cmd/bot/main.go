package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rivistaa/Bathbot/internal/api"
	"github.com/Rivistaa/Bathbot/internal/cache"
	"github.com/Rivistaa/Bathbot/internal/config"
	"github.com/Rivistaa/Bathbot/internal/db"
	"github.com/Rivistaa/Bathbot/internal/discord"
	"github.com/Rivistaa/Bathbot/internal/logging"
	"github.com/Rivistaa/Bathbot/internal/redis"
	"github.com/Rivistaa/Bathbot/internal/stats"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.ClusterID)
	logger.Info("starting_bot", "shards", cfg.ShardCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Guild configs live in Postgres; the bot runs without them when no
	// DSN is configured.
	var guildConfigs *db.GuildConfigStore
	if cfg.DBDSN != "" {
		var dbConn *db.DB
		for i := 0; i < 5; i++ {
			dbConn, err = db.New(ctx, cfg.DBDSN)
			if err == nil {
				break
			}
			logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
			time.Sleep(2 * time.Second)
		}
		if err != nil {
			logger.Error("db_connect_failed", "error", err)
			os.Exit(1)
		}
		defer dbConn.Close()

		guildConfigs = db.NewGuildConfigStore(logger, dbConn)
		if err := guildConfigs.EnsureSchema(ctx); err != nil {
			logger.Error("guild_config_schema_failed", "error", err)
			os.Exit(1)
		}
		if err := guildConfigs.LoadAll(ctx); err != nil {
			logger.Error("guild_config_load_failed", "error", err)
			os.Exit(1)
		}
	}

	botStats := stats.New(prometheus.DefaultRegisterer)
	stateCache := cache.New(logger, botStats, cache.Options{
		ClusterID:          cfg.ClusterID,
		ShardCount:         cfg.ShardCount,
		SnapshotChunkLimit: cfg.SnapshotChunkLimit,
		SnapshotTTL:        cfg.SnapshotTTL,
	})

	dispatcher := cache.NewDispatcher(logger, stateCache, nil, cfg.MemberUpdateRetryDelay)
	shardManager := discord.NewShardManager(cfg.DiscordToken, cfg.ShardCount, dispatcher.Queue(), logger)
	dispatcher.SetRequester(shardManager)

	// Try to warm the cache from the previous run's snapshot before the
	// gateway starts delivering events.
	if token, ok := readResumeToken(logger, cfg.ResumeTokenFile); ok {
		if err := stateCache.Restore(ctx, redisClient, token); err != nil {
			logger.Error("cold_resume_failed", "error", err)
			stateCache.Reset()
		} else {
			logger.Info("cold_resume_complete", "guild_chunks", token.GuildChunks, "user_chunks", token.UserChunks)
		}
	}

	dispatcher.StartWorkers(cfg.EventWorkerCount)

	if err := shardManager.Start(ctx); err != nil {
		logger.Error("gateway_start_failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(logger, stateCache, botStats)
	go func() {
		if err := server.Run(cfg.HTTPAddr); err != nil {
			logger.Error("http_server_failed", "error", err)
		}
	}()

	if guildConfigs != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if err := guildConfigs.FlushModified(ctx); err != nil {
					logger.Warn("guild_config_flush_failed", "error", err)
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown_started")

	shardManager.Stop()
	dispatcher.StopWorkers()

	snapshotCtx, snapshotCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer snapshotCancel()
	token := stateCache.Snapshot(snapshotCtx, redisClient)
	writeResumeToken(logger, cfg.ResumeTokenFile, token)

	if guildConfigs != nil {
		if err := guildConfigs.FlushModified(snapshotCtx); err != nil {
			logger.Warn("guild_config_flush_failed", "error", err)
		}
	}

	logger.Info("shutdown_complete", "guild_chunks", token.GuildChunks, "user_chunks", token.UserChunks)
}

func readResumeToken(logger *slog.Logger, path string) (cache.ResumeToken, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cache.ResumeToken{}, false
	}
	// Consume the token either way; a stale one must not be reused.
	_ = os.Remove(path)

	var token cache.ResumeToken
	if err := json.Unmarshal(raw, &token); err != nil {
		logger.Warn("resume_token_unreadable", "path", path, "error", err)
		return cache.ResumeToken{}, false
	}
	if token.GuildChunks == 0 && token.UserChunks == 0 {
		return cache.ResumeToken{}, false
	}
	return token, true
}

func writeResumeToken(logger *slog.Logger, path string, token cache.ResumeToken) {
	raw, err := json.Marshal(token)
	if err != nil {
		logger.Warn("resume_token_marshal_failed", "error", err)
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		logger.Warn("resume_token_write_failed", "path", path, "error", err)
	}
}
