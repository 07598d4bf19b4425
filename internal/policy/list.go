package policy

import (
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/scriptgate/scriptgate/pkg/types"
)

// scopeWalkLimit bounds directory enumeration for scope rules so a rule over
// a huge tree cannot turn the listing endpoint into a filesystem scan.
const scopeWalkLimit = 1000

// ListAllowed enumerates every script currently executable under the global
// policy and the snapshot's live rules, with the flag set each would get.
// Overlays are session-scoped grants and deliberately absent from the listing.
func ListAllowed(g Global, snap *Snapshot, now time.Time) []types.AllowedScript {
	byPath := make(map[string]types.AllowedScript)

	globalFlags := sortedKeys(g.Flags)
	for p := range g.AllowedScripts {
		if !isRegularFile(p) {
			continue
		}
		byPath[p] = types.AllowedScript{Path: p, AllowedFlags: globalFlags}
	}

	if snap != nil {
		for _, cr := range snap.rules {
			r := cr.rule
			if r.Expired(now) || r.Conditions != nil {
				continue
			}
			flags := narrowFlags(g, r.FlagsAllowed, r.FlagsDenied)
			switch r.Type {
			case RuleTypePath:
				if isRegularFile(cr.canonPath) {
					byPath[cr.canonPath] = types.AllowedScript{Path: cr.canonPath, AllowedFlags: flags, Rule: r.ID}
				}
			case RuleTypeScope:
				for _, p := range walkScope(cr.canonRoot, cr.globs) {
					byPath[p] = types.AllowedScript{Path: p, AllowedFlags: flags, Rule: r.ID}
				}
			}
		}
	}

	out := make([]types.AllowedScript, 0, len(byPath))
	for _, s := range byPathSorted(byPath) {
		out = append(out, s)
	}
	return out
}

func narrowFlags(g Global, allowed, denied []string) []string {
	var out []string
	for _, f := range sortedKeys(g.Flags) {
		if len(allowed) > 0 && !contains(allowed, f) {
			continue
		}
		if contains(denied, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func walkScope(root string, globs []glob.Glob) []string {
	if root == "" {
		return nil
	}
	var out []string
	seen := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		seen++
		if seen > scopeWalkLimit {
			return fs.SkipAll
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if matchScope(path, root, globs) {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func byPathSorted(m map[string]types.AllowedScript) []types.AllowedScript {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.AllowedScript, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
