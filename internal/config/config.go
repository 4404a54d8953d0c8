package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                string
	DatabaseURL         string
	ClinicTimezone      string
	UseLockAllocator    bool
	AllocatorLockTTL    time.Duration
	AllocatorMaxTries   int
	AllocatorRetryDelay time.Duration
	ArchiveInterval     time.Duration
	LockSweepInterval   time.Duration
	RegisterTimeout     time.Duration
	PingTTL             time.Duration
	PruneInterval       time.Duration
	RateLimitPerMinute  int
	RateLimitBurst      int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	timezone := os.Getenv("CLINIC_TIMEZONE")
	if timezone == "" {
		timezone = "Asia/Tokyo"
	}

	return Config{
		Port:                port,
		DatabaseURL:         os.Getenv("DB_DSN"),
		ClinicTimezone:      timezone,
		UseLockAllocator:    readBool("ALLOC_USE_LOCK", false),
		AllocatorLockTTL:    readDurationSeconds("ALLOC_LOCK_TTL_SECONDS", 120),
		AllocatorMaxTries:   readInt("ALLOC_MAX_TRIES", 5),
		AllocatorRetryDelay: readDurationMillis("ALLOC_RETRY_INITIAL_MS", 50),
		ArchiveInterval:     readDurationSeconds("ARCHIVE_INTERVAL_SECONDS", 300),
		LockSweepInterval:   readDurationSeconds("LOCK_SWEEP_INTERVAL_SECONDS", 60),
		RegisterTimeout:     readDurationSeconds("REGISTER_TIMEOUT_SECONDS", 30),
		PingTTL:             readDurationSeconds("PING_TTL_SECONDS", 90),
		PruneInterval:       readDurationSeconds("PRUNE_INTERVAL_SECONDS", 30),
		RateLimitPerMinute:  readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:      readInt("RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
