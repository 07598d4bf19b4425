package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/scriptgate/scriptgate/internal/execsup"
	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/pkg/types"
)

// writeExecError reports a structured rejection. Rejections always happen
// before any SSE bytes are written, so a plain JSON body is correct for the
// streaming endpoint too.
func (a *App) writeExecError(w http.ResponseWriter, _ http.Flusher, status int, e *types.ExecError) {
	writeJSON(w, status, types.RunResponse{Error: e})
}

// auditPolicy records one policy-facing event (check, denial, preflight
// rejection) to the audit log and the live broker.
func (a *App) auditPolicy(r *http.Request, eventType, sessionID string, d policy.Decision) {
	ev := types.Event{
		ID:        "evt-" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  types.CategoryPolicy,
		Type:      eventType,
		SessionID: sessionID,
		Path:      d.CanonicalPath,
		Fields: map[string]any{
			"allowed": d.Allowed,
			"reasons": d.Reasons,
			"rule":    ruleID(d.MatchedRule),
		},
	}
	if a.audit != nil {
		a.audit.Append(r.Context(), ev)
	}
	if a.broker != nil {
		a.broker.Publish(ev)
	}
}

// recordExecution persists the outcome of a finished run: the audit line,
// the queryable index row and the live event. Persistence failures never
// surface to the caller; the run already happened.
func (a *App) recordExecution(r *http.Request, req types.RunRequest, spec execsup.Spec, res execsup.Result) {
	now := time.Now().UTC()
	ev := types.Event{
		ID:        "evt-" + uuid.NewString(),
		Timestamp: now,
		Category:  types.CategoryExecution,
		Type:      "exec.completed",
		SessionID: req.SessionID,
		CommandID: spec.CommandID,
		Path:      spec.Path,
		Fields: map[string]any{
			"args":        spec.Args,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
			"timed_out":   res.TimedOut,
			"truncated":   res.Truncated,
			"ok":          res.ExitCode == 0,
		},
	}
	if a.audit != nil {
		a.audit.Append(r.Context(), ev)
	}
	if a.broker != nil {
		a.broker.Publish(ev)
	}
	if a.index != nil {
		rec := types.ExecutionRecord{
			ID:          spec.CommandID,
			Timestamp:   now,
			SessionID:   req.SessionID,
			Path:        spec.Path,
			Args:        spec.Args,
			ExitCode:    res.ExitCode,
			DurationMs:  res.Duration.Milliseconds(),
			TimedOut:    res.TimedOut,
			Truncated:   res.Truncated,
			StdoutBytes: res.StdoutTotal,
			StderrBytes: res.StderrTotal,
			LogPath:     res.LogPath,
		}
		if err := a.index.AppendExecution(r.Context(), rec); err != nil {
			// The JSONL audit line above is the durable record.
			slog.Warn("api: index execution", "command_id", spec.CommandID, "err", err)
		}
	}
}
