// Package statetracker holds the pure timing functions the Lifecycle Core
// uses to keep a session's pause/duration/watched bookkeeping correct under
// concurrent observation. Nothing here touches the store,
// the cache, or the clock directly — every function takes `now` explicitly
// so it is trivial to test and impossible to race.
package statetracker

import (
	"time"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// PauseState is the subset of Session fields AccumulatePause reads and writes.
type PauseState struct {
	LastPausedAt     *time.Time
	PausedDurationMs int64
}

// AccumulatePause applies a state transition to a session's pause
// bookkeeping. It is pure: the caller decides when to persist the result.
func AccumulatePause(prevState, newState models.SessionState, st PauseState, now time.Time) PauseState {
	switch {
	case prevState != models.SessionStatePaused && newState == models.SessionStatePaused:
		// playing -> paused
		t := now
		st.LastPausedAt = &t
	case prevState == models.SessionStatePaused && newState != models.SessionStatePaused:
		// paused -> playing
		if st.LastPausedAt != nil {
			st.PausedDurationMs += now.Sub(*st.LastPausedAt).Milliseconds()
		}
		st.LastPausedAt = nil
	default:
		// unchanged state, or paused -> paused: passthrough, never reset LastPausedAt
	}
	return st
}

// StopInput is the subset of Session fields StopDuration reads.
type StopInput struct {
	StartedAt        time.Time
	LastPausedAt     *time.Time
	PausedDurationMs int64
}

// StopResult is what StopDuration computes.
type StopResult struct {
	DurationMs            int64
	FinalPausedDurationMs int64
}

// StopDuration computes the final duration and paused-duration totals at
// stop time. If the session is still paused at the moment of
// stop, the in-flight pause span is folded into the total first.
func StopDuration(in StopInput, stoppedAt time.Time) StopResult {
	finalPaused := in.PausedDurationMs
	if in.LastPausedAt != nil {
		finalPaused += stoppedAt.Sub(*in.LastPausedAt).Milliseconds()
	}
	total := stoppedAt.Sub(in.StartedAt).Milliseconds() - finalPaused
	if total < 0 {
		total = 0
	}
	return StopResult{DurationMs: total, FinalPausedDurationMs: finalPaused}
}

// WatchCompletionThreshold is the fraction of total duration that counts as
// "watched".
const WatchCompletionThreshold = 0.80

// WatchCompletion reports whether progress/total crosses the completion
// threshold. A zero or negative total never completes.
func WatchCompletion(progressMs, totalDurationMs int64) bool {
	if totalDurationMs <= 0 {
		return false
	}
	return float64(progressMs)/float64(totalDurationMs) >= WatchCompletionThreshold
}

// EngagementThresholdMs is the minimum duration for a stopped session to be
// recorded for downstream analytics.
const EngagementThresholdMs = 120_000

// ShouldRecord reports whether a stopped session's duration clears the
// engagement threshold.
func ShouldRecord(durationMs int64) bool {
	return durationMs >= EngagementThresholdMs
}
