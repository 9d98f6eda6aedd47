// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"fmt"
	"time"
)

// EntityType describes one syncable entity: its local table and the remote
// table it maps to.
type EntityType struct {
	Name        string // local table name, e.g. "sales"
	RemoteTable string // empty defaults to Name
}

func (e EntityType) remoteTable() string {
	if e.RemoteTable == "" {
		return e.Name
	}
	return e.RemoteTable
}

// Relation is one parent→child edge: records of Child reference the parent
// through ForeignKey.
type Relation struct {
	Child      string
	ForeignKey string
}

// CascadeTable maps a parent entity type to its dependents.
type CascadeTable map[string][]Relation

// DeleteGuard may veto the deletion of a record. It is consulted for every
// record of a cascade before anything is modified.
type DeleteGuard func(ctx context.Context, entityType string, rec *Record) error

// Config holds the engine configuration.
type Config struct {
	Entities []EntityType
	Cascade  CascadeTable

	OwnerID string // stamped on records created without one
	ActorID string // stamped as created_by

	MaxRetries  int           // 5
	BackoffBase time.Duration // 1s
	BackoffMax  time.Duration // 300s

	UndoWindow    time.Duration // 30s
	UndoRetention time.Duration // how long expired undo entries stay visible

	// NotFoundRecheckDelay is the pause before re-fetching a record the
	// remote reported missing during an update.
	NotFoundRecheckDelay time.Duration
	// SyncInterval drives the background loop started by Start. Zero disables
	// periodic flushes; connectivity changes still trigger one.
	SyncInterval time.Duration

	Resolver    Resolver
	DeleteGuard DeleteGuard

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	// Now is the clock used for every timestamp. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a configuration for the given entities and cascade table.
func DefaultConfig(entities []EntityType, cascade CascadeTable) *Config {
	return &Config{
		Entities:             entities,
		Cascade:              cascade,
		MaxRetries:           5,
		BackoffBase:          1 * time.Second,
		BackoffMax:           300 * time.Second,
		UndoWindow:           30 * time.Second,
		UndoRetention:        10 * time.Minute,
		NotFoundRecheckDelay: 500 * time.Millisecond,
		SyncInterval:         30 * time.Second,
		Resolver:             LastWriteWins{},
		Now:                  time.Now,
	}
}

func (c *Config) validate() error {
	if len(c.Entities) == 0 {
		return fmt.Errorf("config.Entities must not be empty")
	}
	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if !validIdent(e.Name) {
			return fmt.Errorf("invalid entity name %q", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entity %q", e.Name)
		}
		seen[e.Name] = true
	}
	for parent, rels := range c.Cascade {
		if !seen[parent] {
			return fmt.Errorf("cascade parent %q is not a configured entity", parent)
		}
		for _, rel := range rels {
			if !seen[rel.Child] {
				return fmt.Errorf("cascade child %q of %q is not a configured entity", rel.Child, parent)
			}
			if !validIdent(rel.ForeignKey) {
				return fmt.Errorf("invalid foreign key %q on %q", rel.ForeignKey, rel.Child)
			}
		}
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config.MaxRetries must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("invalid backoff bounds %v..%v", c.BackoffBase, c.BackoffMax)
	}
	return nil
}

// withDefaults fills zero values so a partially built Config still works.
func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig(nil, nil)
	if out.MaxRetries == 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = def.BackoffBase
	}
	if out.BackoffMax == 0 {
		out.BackoffMax = def.BackoffMax
	}
	if out.UndoWindow == 0 {
		out.UndoWindow = def.UndoWindow
	}
	if out.UndoRetention == 0 {
		out.UndoRetention = def.UndoRetention
	}
	if out.Resolver == nil {
		out.Resolver = def.Resolver
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// foreignKeys returns the foreign key fields declared on entity as a child.
func (c *Config) foreignKeys(entity string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, rels := range c.Cascade {
		for _, rel := range rels {
			if rel.Child == entity && !seen[rel.ForeignKey] {
				seen[rel.ForeignKey] = true
				out = append(out, rel.ForeignKey)
			}
		}
	}
	return out
}
