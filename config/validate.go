// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
)

// Validate checks the settings used by the sync client.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	return nil
}

// ValidateServer checks the settings needed to run the gateway.
func (c *Config) ValidateServer() error {
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("server.jwt_secret must be at least 32 characters (got %d)", len(c.Server.JWTSecret))
	}
	if c.Server.DatabaseDSN == "" {
		return errors.New("server.database_dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0 (got %d)", s.MaxRetries)
	}
	if s.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be > 0 (got %v)", s.BackoffBase)
	}
	if s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("backoff_max %v is below backoff_base %v", s.BackoffMax, s.BackoffBase)
	}
	if s.UndoWindow <= 0 {
		return fmt.Errorf("undo_window must be > 0 (got %v)", s.UndoWindow)
	}
	if s.UndoRetention < s.UndoWindow {
		return fmt.Errorf("undo_retention %v is below undo_window %v", s.UndoRetention, s.UndoWindow)
	}
	if s.Interval < 0 || s.NotFoundRecheckDelay < 0 {
		return errors.New("interval and not_found_recheck_delay must not be negative")
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	switch r.Kind {
	case RemoteHTTP:
		if r.URL == "" {
			return errors.New("url is required for the http remote")
		}
	case RemotePostgres:
		if r.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres remote")
		}
	case RemoteMongo:
		if r.MongoURI == "" {
			return errors.New("mongo_uri is required for the mongo remote")
		}
	case RemoteMemory:
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}
