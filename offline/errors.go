// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrUnknownEntity   = errors.New("unknown entity type")
	ErrOffline         = errors.New("engine is offline")
	ErrUndoUnavailable = errors.New("no undo entry for record")
	ErrUndoExpired     = errors.New("undo window has expired")
	ErrCascadeCycle    = errors.New("cascade relationship cycle detected")
	ErrReservedField   = errors.New("field name is reserved")
	ErrClosed          = errors.New("engine is closed")
)
