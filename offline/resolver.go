// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"time"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// Resolution is the outcome of comparing a local update with the remote row.
type Resolution int

const (
	// KeepLocal pushes the local payload.
	KeepLocal Resolution = iota
	// KeepRemote drops the local change and adopts the remote row.
	KeepRemote
)

// Resolver decides which side of an update conflict survives.
type Resolver interface {
	Resolve(entityType string, local *Record, server remote.Row) Resolution
}

// LastWriteWins keeps whichever version was written last. Ties go to the
// local side so retrying a push is idempotent.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(_ string, local *Record, server remote.Row) Resolution {
	serverTS := server.UpdatedAt()
	if serverTS.IsZero() {
		return KeepLocal
	}
	if local.EffectiveUpdatedAt().Before(serverTS) {
		return KeepRemote
	}
	return KeepLocal
}

// Conflict describes one update that lost to a newer remote row.
type Conflict struct {
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}
