package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/execsup"
	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/internal/preflight"
	"github.com/scriptgate/scriptgate/pkg/types"
)

// adminLink points a denied caller at the endpoint where an administrator
// can turn the attached suggestions into a rule.
const adminLink = "/api/v1/policy/rules"

func (a *App) policyRequest(r *http.Request, path string, args []string, sessionID string) policy.Request {
	return policy.Request{
		Path:         path,
		Args:         args,
		SessionID:    sessionID,
		AgentName:    r.Header.Get("X-Agent-Name"),
		AgentVersion: r.Header.Get("X-Agent-Version"),
	}
}

func (a *App) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req types.CheckRequest
	if !decodeJSON(w, r, &req, "invalid check request") {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "path is required"})
		return
	}

	d, err := a.eval.Evaluate(a.policyRequest(r, req.Path, req.Args, req.SessionID))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	resp := types.CheckResponse{
		Allowed:        d.Allowed,
		Reasons:        d.Reasons,
		MatchedRule:    d.MatchedRule,
		EffectiveFlags: d.EffectiveFlags,
		Caps:           d.Caps,
	}
	if !d.Allowed {
		resp.Suggestions = d.Suggestions
		resp.AdminLink = adminLink
	} else {
		token, expiresAt, err := a.tokens.Issue(d.CanonicalPath, req.Args)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "issue preflight token"})
			return
		}
		resp.PreflightToken = token
		resp.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
		if a.sessions != nil && req.SessionID != "" {
			a.sessions.Record(req.SessionID, d.CanonicalPath, req.Args)
		}
	}

	a.auditPolicy(r, "policy.check", req.SessionID, d)
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	a.runCommon(w, r, nil)
}

func (a *App) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	a.runCommon(w, r, flusher)
}

// runCommon drives both execution endpoints. With a nil flusher the response
// is a single JSON document; with one it is an SSE stream of stdout/stderr
// lines, pings and a terminal end or error event.
func (a *App) runCommon(w http.ResponseWriter, r *http.Request, flusher http.Flusher) {
	var req types.RunRequest
	if !decodeJSON(w, r, &req, "invalid run request") {
		return
	}
	if req.Path == "" {
		a.writeExecError(w, flusher, http.StatusBadRequest, &types.ExecError{
			Code: types.ErrCodeBadRequest, Message: "path is required",
		})
		return
	}

	d, err := a.eval.Evaluate(a.policyRequest(r, req.Path, req.Args, req.SessionID))
	if err != nil {
		a.writeExecError(w, flusher, http.StatusBadRequest, &types.ExecError{
			Code: types.ErrCodeBadRequest, Message: err.Error(),
		})
		return
	}
	if !d.Allowed {
		a.auditPolicy(r, "exec.denied", req.SessionID, d)
		a.writeExecError(w, flusher, http.StatusForbidden, &types.ExecError{
			Code:        types.ErrCodePolicyDenied,
			Message:     "policy denied execution",
			Reasons:     d.Reasons,
			Rule:        ruleID(d.MatchedRule),
			Suggestions: d.Suggestions,
			AdminLink:   adminLink,
		})
		return
	}

	if execErr := a.checkPreflight(req, d); execErr != nil {
		a.auditPolicy(r, "exec.preflight_rejected", req.SessionID, d)
		status := http.StatusPreconditionRequired
		if execErr.Code == types.ErrCodePreflightExpired {
			status = http.StatusForbidden
		}
		a.writeExecError(w, flusher, status, execErr)
		return
	}

	if !a.sup.Limiter().Acquire(d.ScopeKey, d.Caps.Concurrency) {
		a.writeExecError(w, flusher, http.StatusTooManyRequests, &types.ExecError{
			Code:    types.ErrCodeConcurrency,
			Message: "concurrency limit reached for this policy scope",
			Rule:    ruleID(d.MatchedRule),
		})
		return
	}
	defer a.sup.Limiter().Release(d.ScopeKey)

	spec := execsup.Spec{
		CommandID: "cmd-" + uuid.NewString(),
		Path:      d.CanonicalPath,
		Args:      req.Args,
		Env:       req.Env,
		Limits:    a.limitsFor(req, d.Caps),
	}

	if flusher != nil {
		a.streamExecution(w, r, flusher, req, spec)
		return
	}

	res, runErr := a.sup.Run(r.Context(), spec)
	resp := buildRunResponse(spec, res, runErr)
	a.recordExecution(r, req, spec, res)
	status := http.StatusOK
	if resp.Error != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (a *App) streamExecution(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req types.RunRequest, spec execsup.Spec) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Stdout, stderr and ping events originate on different goroutines; the
	// response writer needs serialized access.
	var mu sync.Mutex
	emit := func(event string, payload map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		return writeSSE(w, flusher, event, payload)
	}
	res, runErr := a.sup.Stream(r.Context(), spec, emit)
	resp := buildRunResponse(spec, res, runErr)
	// The stream already carried the output; the terminal event repeats only
	// the outcome.
	resp.Stdout, resp.Stderr = "", ""
	a.recordExecution(r, req, spec, res)
	if resp.Error != nil {
		_ = writeSSE(w, flusher, "error", resp)
		return
	}
	_ = writeSSE(w, flusher, "end", resp)
}

// checkPreflight enforces the check-before-run contract on the run path.
// Token verification is authoritative; the session cache is a legacy
// fallback only consulted when no token was presented at all.
func (a *App) checkPreflight(req types.RunRequest, d policy.Decision) *types.ExecError {
	if !a.cfg.Preflight.Enforce {
		return nil
	}
	if req.PreflightToken == "" {
		if a.cfg.Preflight.SessionFallback && a.sessions != nil && req.SessionID != "" &&
			a.sessions.Check(req.SessionID, d.CanonicalPath, req.Args) {
			return nil
		}
		return &types.ExecError{
			Code:    types.ErrCodePreflightRequired,
			Message: "run requires a prior check: no preflight token presented",
		}
	}
	out := a.tokens.Verify(req.PreflightToken, d.CanonicalPath, req.Args)
	if out.Valid {
		return nil
	}
	code := types.ErrCodePreflightRequired
	if out.Reason == preflight.ReasonExpired {
		code = types.ErrCodePreflightExpired
	}
	return &types.ExecError{
		Code:    code,
		Message: "preflight token rejected: " + out.Reason,
		Reasons: []string{out.Reason},
	}
}

// limitsFor clamps the caller's requested timeout into the decision's caps
// and the configured ceiling.
func (a *App) limitsFor(req types.RunRequest, caps types.CapSet) execsup.Limits {
	timeout := config.Duration(a.cfg.Limits.DefaultTimeout)
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if caps.MaxTimeoutMs > 0 {
		if max := time.Duration(caps.MaxTimeoutMs) * time.Millisecond; timeout > max {
			timeout = max
		}
	}
	if hard := config.Duration(a.cfg.Limits.MaxTimeout); hard > 0 && timeout > hard {
		timeout = hard
	}

	maxBytes := a.cfg.Limits.MaxOutputBytes
	if caps.MaxOutputBytes > 0 && caps.MaxOutputBytes < maxBytes {
		maxBytes = caps.MaxOutputBytes
	}
	maxLines := a.cfg.Limits.MaxStdoutLines
	if caps.MaxStdoutLines > 0 && caps.MaxStdoutLines < maxLines {
		maxLines = caps.MaxStdoutLines
	}
	return execsup.Limits{
		Timeout:        timeout,
		MaxOutputBytes: maxBytes,
		MaxStdoutLines: maxLines,
		MaxLineBytes:   a.cfg.Limits.MaxLineBytes,
	}
}

func buildRunResponse(spec execsup.Spec, res execsup.Result, runErr error) types.RunResponse {
	resp := types.RunResponse{
		CommandID:        spec.CommandID,
		Timestamp:        time.Now().UTC(),
		ExitCode:         res.ExitCode,
		DurationMs:       res.Duration.Milliseconds(),
		Stdout:           string(res.Stdout),
		Stderr:           string(res.Stderr),
		Truncated:        res.Truncated,
		TimedOut:         res.TimedOut,
		LogPath:          res.LogPath,
		StdoutTotalBytes: res.StdoutTotal,
		StderrTotalBytes: res.StderrTotal,
	}
	if runErr != nil {
		resp.Error = &types.ExecError{
			Code:    types.ErrCodeExec,
			Message: "spawn failed: " + runErr.Error(),
		}
	}
	return resp
}

func (a *App) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts := policy.ListAllowed(a.eval.Global, a.store.Snapshot(), time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{
		"scripts":        scripts,
		"policy_version": a.store.Version(),
	})
}

func (a *App) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.index == nil {
		writeJSON(w, http.StatusOK, map[string]any{"executions": []types.ExecutionRecord{}})
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit = atoiDefault(v, 0)
	}
	recs, err := a.index.Recent(r.Context(), q.Get("session_id"), q.Get("path"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query executions"})
		return
	}
	if recs == nil {
		recs = []types.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func ruleID(ref *types.RuleRef) string {
	if ref == nil {
		return ""
	}
	return ref.ID
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
