package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scriptgate/scriptgate/pkg/types"
)

// Global is the process-wide outer fence. It is immutable for the process
// lifetime; no rule or overlay can widen past it.
type Global struct {
	AllowedRoot    string
	AllowedScripts map[string]struct{} // canonical paths granted by bare global policy
	Flags          map[string]struct{} // global flag superset
	ValueFlags     map[string]struct{} // flags that consume the next token
	DefaultCaps    types.CapSet
}

// NewGlobal canonicalizes the configured boundary values.
func NewGlobal(allowedRoot string, allowedScripts, flags, valueFlags []string, defaults types.CapSet) (Global, error) {
	root, err := Canonicalize(allowedRoot)
	if err != nil {
		return Global{}, fmt.Errorf("canonicalize allowed root: %w", err)
	}
	g := Global{
		AllowedRoot:    root,
		AllowedScripts: make(map[string]struct{}, len(allowedScripts)),
		Flags:          make(map[string]struct{}, len(flags)),
		ValueFlags:     make(map[string]struct{}, len(valueFlags)),
		DefaultCaps:    defaults,
	}
	for _, p := range allowedScripts {
		cp, err := Canonicalize(p)
		if err != nil {
			continue
		}
		g.AllowedScripts[cp] = struct{}{}
	}
	for _, f := range flags {
		g.Flags[f] = struct{}{}
	}
	for _, f := range valueFlags {
		g.ValueFlags[f] = struct{}{}
	}
	return g, nil
}

// Request is one evaluation input.
type Request struct {
	Path         string
	Args         []string
	SessionID    string
	AgentName    string
	AgentVersion string
}

// Decision is the full outcome of one evaluation. Denial is a normal value,
// not an error: Evaluate only errors on malformed input.
type Decision struct {
	Allowed        bool
	Reasons        []string
	MatchedRule    *types.RuleRef
	EffectiveFlags []string
	Caps           types.CapSet
	Suggestions    []types.Suggestion

	// CanonicalPath is the resolved path the decision applies to.
	CanonicalPath string
	// ScopeKey identifies the concurrency accounting scope: the matched
	// source when there is one, otherwise the path itself.
	ScopeKey string
}

// Evaluator merges the global fence with the store's current snapshot.
type Evaluator struct {
	Global Global
	Store  *Store
}

func (e *Evaluator) Evaluate(req Request) (Decision, error) {
	return Evaluate(e.Global, e.Store.Snapshot(), req, time.Now().UTC())
}

// Evaluate computes the effective decision for one request against one
// snapshot. The ordering is a first-class invariant: later steps only narrow,
// never widen.
func Evaluate(g Global, snap *Snapshot, req Request, now time.Time) (Decision, error) {
	if strings.TrimSpace(req.Path) == "" {
		return Decision{}, fmt.Errorf("path is required")
	}

	var d Decision
	deny := func(reason string) { d.Reasons = append(d.Reasons, reason) }

	canon, err := Canonicalize(req.Path)
	if err != nil {
		return Decision{}, fmt.Errorf("canonicalize path: %w", err)
	}
	d.CanonicalPath = canon
	d.ScopeKey = "global:" + canon

	// Step 1: the outer fence. No rule or overlay is consulted before the
	// boundary holds, and nothing below can override a boundary failure.
	inRoot := isUnderRoot(canon, g.AllowedRoot)
	if !inRoot {
		deny("outside_allowed_root")
	}
	if !isRegularFile(canon) {
		deny("path_not_found")
	}
	flags, argErrs := parseArgs(req.Args, g.ValueFlags)
	d.Reasons = append(d.Reasons, argErrs...)
	for _, f := range flags {
		if _, ok := g.Flags[f]; !ok {
			deny("flag not recognized: " + f)
		}
	}
	if len(d.Reasons) > 0 {
		// No rule could ever be added for a path outside the boundary, so
		// suggestions would only mislead the administrator.
		if inRoot {
			d.Suggestions = suggestFor(canon, req.Args)
		}
		return d, nil
	}

	// Step 2: source resolution, highest precedence first.
	src, ref := resolveSource(snap, canon, req, now)
	d.MatchedRule = ref

	effective := make(map[string]struct{}, len(g.Flags))
	for f := range g.Flags {
		effective[f] = struct{}{}
	}
	caps := g.DefaultCaps

	switch {
	case src != nil:
		if len(src.flagsAllowed) > 0 {
			for f := range effective {
				if !contains(src.flagsAllowed, f) {
					delete(effective, f)
				}
			}
		}
		for _, f := range src.flagsDenied {
			delete(effective, f)
		}
		if src.caps != nil {
			caps = caps.Min(*src.caps)
		}
		d.ScopeKey = src.scopeKey
	default:
		// Bare global policy: the script itself must be allowlisted.
		if _, ok := g.AllowedScripts[canon]; !ok {
			deny("script not allowed")
		}
	}

	// Step 3: flag intersection.
	for _, f := range flags {
		if _, ok := effective[f]; !ok {
			deny("flag not permitted: " + f)
		}
	}

	// Step 4: capability clamp, never looser than system defaults.
	d.Caps = g.DefaultCaps.Min(caps)
	d.EffectiveFlags = sortedKeys(effective)
	d.Allowed = len(d.Reasons) == 0
	if !d.Allowed {
		d.Suggestions = suggestFor(canon, req.Args)
	}
	return d, nil
}

// source is the single policy source selected by precedence.
type source struct {
	flagsAllowed []string
	flagsDenied  []string
	caps         *types.CapSet
	scopeKey     string
}

// Precedence tiers, lowest wins: overlay path, overlay scope, overlay
// session, unconditioned path rule, unconditioned scope rule, conditioned
// rule. Conditioned (agent- or session-restricted) rules sit between scope
// rules and the bare global policy.
const (
	tierOverlayPath = iota
	tierOverlayScope
	tierOverlaySession
	tierRulePath
	tierRuleScope
	tierRuleConditioned
)

type candidate struct {
	tier      int
	prefixLen int
	createdAt time.Time
	src       source
	ref       *types.RuleRef
}

func resolveSource(snap *Snapshot, canon string, req Request, now time.Time) (*source, *types.RuleRef) {
	if snap == nil {
		return nil, nil
	}
	var best *candidate
	consider := func(c candidate) {
		if best == nil ||
			c.tier < best.tier ||
			(c.tier == best.tier && c.prefixLen > best.prefixLen) ||
			(c.tier == best.tier && c.prefixLen == best.prefixLen && c.createdAt.After(best.createdAt)) {
			cc := c
			best = &cc
		}
	}

	if req.SessionID != "" {
		for _, co := range snap.overlays {
			o := co.overlay
			if o.SessionID != req.SessionID || o.Expired(now) {
				continue
			}
			prof, ok := snap.Profiles[o.Profile]
			if !ok {
				continue
			}
			tier := tierOverlaySession
			prefix := 0
			switch {
			case co.canonPath != "":
				if co.canonPath != canon {
					continue
				}
				tier = tierOverlayPath
				prefix = len(co.canonPath)
			case co.canonRoot != "":
				if !matchScope(canon, co.canonRoot, co.globs) {
					continue
				}
				tier = tierOverlayScope
				prefix = len(co.canonRoot)
			}
			caps := prof.Caps
			consider(candidate{
				tier:      tier,
				prefixLen: prefix,
				createdAt: o.CreatedAt,
				src: source{
					flagsAllowed: prof.FlagsAllowed,
					caps:         &caps,
					scopeKey:     "overlay:" + o.ID,
				},
				ref: &types.RuleRef{ID: o.ID, Type: "overlay", Source: "overlay", Label: o.Profile},
			})
		}
	}

	for _, cr := range snap.rules {
		r := cr.rule
		if r.Expired(now) {
			continue
		}
		if !r.Conditions.Match(req.AgentName, req.AgentVersion, req.SessionID) {
			continue
		}
		var tier int
		switch r.Type {
		case RuleTypePath:
			if cr.canonPath != canon {
				continue
			}
			tier = tierRulePath
		case RuleTypeScope:
			if !matchScope(canon, cr.canonRoot, cr.globs) {
				continue
			}
			tier = tierRuleScope
		default:
			continue
		}
		if r.Conditions != nil {
			tier = tierRuleConditioned
		}
		consider(candidate{
			tier:      tier,
			prefixLen: cr.prefixLen,
			createdAt: r.CreatedAt,
			src: source{
				flagsAllowed: r.FlagsAllowed,
				flagsDenied:  r.FlagsDenied,
				caps:         r.Caps,
				scopeKey:     "rule:" + r.ID,
			},
			ref: &types.RuleRef{ID: r.ID, Type: string(r.Type), Source: "rule", Label: r.Label},
		})
	}

	if best == nil {
		return nil, nil
	}
	return &best.src, best.ref
}

// parseArgs validates argument shape against the global grammar: flag tokens
// must look like --name, value flags consume the next token, and positional
// tokens are only permitted after a bare "--" separator. It returns the flag
// tokens seen and any shape violations.
func parseArgs(args []string, valueFlags map[string]struct{}) (flags []string, reasons []string) {
	i := 0
	for i < len(args) {
		tok := args[i]
		if tok == "--" {
			// Everything after the separator is positional and passed
			// through verbatim.
			break
		}
		if strings.HasPrefix(tok, "--") {
			flags = append(flags, tok)
			if _, ok := valueFlags[tok]; ok {
				if i+1 >= len(args) {
					reasons = append(reasons, "missing value for "+tok)
					break
				}
				if tok == "--port" {
					if _, err := strconv.Atoi(args[i+1]); err != nil {
						reasons = append(reasons, "port must be an integer")
					}
				}
				i += 2
				continue
			}
			i++
			continue
		}
		reasons = append(reasons, "positional not allowed: "+tok)
		i++
	}
	return flags, reasons
}

// suggestFor builds the actionable payload shown to an administrator when a
// request is denied: the minimal path-exact rule plus a scope alternative.
func suggestFor(canon string, args []string) []types.Suggestion {
	return []types.Suggestion{
		{Type: "path", Value: canon, Comment: "path-exact rule covering this script"},
		{Type: "scope", Value: filepath.Dir(canon), Comment: "scope root covering the script's directory"},
		{Type: "pattern", Value: filepath.Base(canon), Comment: "pattern matching the script basename"},
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
