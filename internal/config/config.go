package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DiscordToken string
	RedisDSN     string
	DBDSN        string
	HTTPAddr     string
	LogLevel     string

	ClusterID  int
	ShardCount int

	// Cold-resume tuning. Defaults mirror the constants the cache was
	// originally deployed with; both are safety valves, not contracts.
	SnapshotChunkLimit int
	SnapshotTTL        time.Duration

	MemberUpdateRetryDelay time.Duration
	EventWorkerCount       int

	ResumeTokenFile string
}

func Load() (Config, error) {
	cfg := Config{
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		RedisDSN:        getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		DBDSN:           os.Getenv("DB_DSN"),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		ResumeTokenFile: getenvDefault("RESUME_TOKEN_FILE", "cold_resume.json"),
	}

	var err error
	if cfg.ClusterID, err = getenvInt("CLUSTER_ID", 0); err != nil {
		return Config{}, err
	}
	if cfg.ShardCount, err = getenvInt("SHARD_COUNT", 1); err != nil {
		return Config{}, err
	}
	if cfg.SnapshotChunkLimit, err = getenvInt("SNAPSHOT_CHUNK_LIMIT", 100_000); err != nil {
		return Config{}, err
	}
	ttlSeconds, err := getenvInt("SNAPSHOT_TTL_SECONDS", 180)
	if err != nil {
		return Config{}, err
	}
	cfg.SnapshotTTL = time.Duration(ttlSeconds) * time.Second
	retryMs, err := getenvInt("MEMBER_UPDATE_RETRY_MS", 100)
	if err != nil {
		return Config{}, err
	}
	cfg.MemberUpdateRetryDelay = time.Duration(retryMs) * time.Millisecond
	if cfg.EventWorkerCount, err = getenvInt("EVENT_WORKER_COUNT", 8); err != nil {
		return Config{}, err
	}

	if cfg.ShardCount < 1 {
		return Config{}, errors.New("SHARD_COUNT must be at least 1")
	}
	if cfg.SnapshotChunkLimit < 1 {
		return Config{}, errors.New("SNAPSHOT_CHUNK_LIMIT must be positive")
	}
	if cfg.SnapshotTTL <= 0 {
		return Config{}, errors.New("SNAPSHOT_TTL_SECONDS must be positive")
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", k, err)
	}
	return n, nil
}
