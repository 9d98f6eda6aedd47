// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
)

// RetailEntities lists the entity types synced by the retail client.
func RetailEntities() []offline.EntityType {
	return []offline.EntityType{
		{Name: "products"},
		{Name: "sales"},
		{Name: "sale_items"},
		{Name: "credits"},
		{Name: "credit_payments"},
	}
}

// RetailCascade lists the dependents removed together with their parent.
func RetailCascade() offline.CascadeTable {
	return offline.CascadeTable{
		"sales":   {{Child: "sale_items", ForeignKey: "sale_id"}},
		"credits": {{Child: "credit_payments", ForeignKey: "credit_id"}},
	}
}

// RemoteTables returns the remote table names of RetailEntities.
func RemoteTables() []string {
	entities := RetailEntities()
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		name := e.RemoteTable
		if name == "" {
			name = e.Name
		}
		out = append(out, name)
	}
	return out
}

// Offline builds the engine configuration for the retail schema.
func (c *Config) Offline() *offline.Config {
	oc := offline.DefaultConfig(RetailEntities(), RetailCascade())
	oc.OwnerID = c.Sync.OwnerID
	oc.ActorID = c.Sync.ActorID
	oc.MaxRetries = c.Sync.MaxRetries
	oc.BackoffBase = c.Sync.BackoffBase
	oc.BackoffMax = c.Sync.BackoffMax
	oc.UndoWindow = c.Sync.UndoWindow
	oc.UndoRetention = c.Sync.UndoRetention
	oc.NotFoundRecheckDelay = c.Sync.NotFoundRecheckDelay
	oc.SyncInterval = c.Sync.Interval
	oc.LogStageTimings = c.Sync.LogStageTimings
	return oc
}
