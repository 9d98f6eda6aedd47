// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"time"
)

const (
	MetricsOpFlush  = "flush"
	MetricsOpDelete = "delete"
	MetricsOpUndo   = "undo"

	MetricsStageTotal = "total"

	// Flush stages.
	MetricsStageDedup         = "dedup"
	MetricsStageLoad          = "load"
	MetricsStageDispatch      = "dispatch"
	MetricsStagePendingDelete = "pending_deletes"

	// Delete manager stages.
	MetricsStagePlan   = "plan"
	MetricsStageApply  = "apply"
	MetricsStageRemote = "remote"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (e *Engine) stageTimingEnabled() bool {
	return e.config.StageMetrics != nil || e.config.LogStageTimings
}

func (e *Engine) stageStart() time.Time {
	if !e.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (e *Engine) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if e.config.StageMetrics != nil {
		e.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if e.config.LogStageTimings {
		e.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
