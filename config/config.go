// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads settings for the sync CLI and the remote gateway.
package config

import (
	"time"
)

// Remote kinds understood by RemoteConfig.Kind.
const (
	RemoteHTTP     = "http"
	RemotePostgres = "postgres"
	RemoteMongo    = "mongo"
	RemoteMemory   = "memory"
)

// Config is the root configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Sync   SyncConfig   `yaml:"sync"`
	Remote RemoteConfig `yaml:"remote"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig locates the local SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" env:"STORE_PATH" env-default:"retail.db"`
}

// SyncConfig tunes the offline engine.
type SyncConfig struct {
	OwnerID              string        `yaml:"owner_id"                env:"SYNC_OWNER_ID"`
	ActorID              string        `yaml:"actor_id"                env:"SYNC_ACTOR_ID"`
	MaxRetries           int           `yaml:"max_retries"             env:"SYNC_MAX_RETRIES"              env-default:"5"`
	BackoffBase          time.Duration `yaml:"backoff_base"            env:"SYNC_BACKOFF_BASE"             env-default:"1s"`
	BackoffMax           time.Duration `yaml:"backoff_max"             env:"SYNC_BACKOFF_MAX"              env-default:"300s"`
	UndoWindow           time.Duration `yaml:"undo_window"             env:"SYNC_UNDO_WINDOW"              env-default:"30s"`
	UndoRetention        time.Duration `yaml:"undo_retention"          env:"SYNC_UNDO_RETENTION"           env-default:"10m"`
	NotFoundRecheckDelay time.Duration `yaml:"not_found_recheck_delay" env:"SYNC_NOT_FOUND_RECHECK_DELAY"  env-default:"500ms"`
	Interval             time.Duration `yaml:"interval"                env:"SYNC_INTERVAL"                 env-default:"30s"`
	LogStageTimings      bool          `yaml:"log_stage_timings"       env:"SYNC_LOG_STAGE_TIMINGS"        env-default:"false"`
}

// RemoteConfig selects and configures the backend the engine syncs with.
type RemoteConfig struct {
	Kind          string        `yaml:"kind"           env:"REMOTE_KIND"           env-default:"http"`
	URL           string        `yaml:"url"            env:"REMOTE_URL"`
	Token         string        `yaml:"token"          env:"REMOTE_TOKEN"`
	Timeout       time.Duration `yaml:"timeout"        env:"REMOTE_TIMEOUT"        env-default:"30s"`
	PostgresDSN   string        `yaml:"postgres_dsn"   env:"REMOTE_POSTGRES_DSN"`
	MongoURI      string        `yaml:"mongo_uri"      env:"REMOTE_MONGO_URI"`
	MongoDatabase string        `yaml:"mongo_database" env:"REMOTE_MONGO_DATABASE" env-default:"retail"`
}

// ServerConfig holds the remote gateway settings.
type ServerConfig struct {
	Host            string        `yaml:"host"              env:"SERVER_HOST"              env-default:"0.0.0.0"`
	Port            int           `yaml:"port"              env:"SERVER_PORT"              env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"      env:"SERVER_READ_TIMEOUT"      env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"     env:"SERVER_WRITE_TIMEOUT"     env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"      env:"SERVER_IDLE_TIMEOUT"      env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"  env:"SERVER_SHUTDOWN_TIMEOUT"  env-default:"10s"`
	DatabaseDSN     string        `yaml:"database_dsn"      env:"SERVER_DATABASE_DSN"`
	MaxConns        int32         `yaml:"max_conns"         env:"SERVER_DATABASE_MAX_CONNS" env-default:"10"`
	JWTSecret       string        `yaml:"jwt_secret"        env:"SERVER_JWT_SECRET"`
	TokenTTL        time.Duration `yaml:"token_ttl"         env:"SERVER_TOKEN_TTL"         env-default:"720h"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}
