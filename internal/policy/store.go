package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Store owns the on-disk policy document and the in-memory evaluation
// snapshot. Mutations are serialized and follow write-then-swap: the
// document is rewritten as a whole to a temp file, renamed into place, and
// only then is the snapshot pointer replaced. Readers never block and never
// observe a partially written document.
type Store struct {
	path        string
	allowedRoot string
	profiles    map[string]Profile

	mu   sync.Mutex // serializes mutations
	doc  Document
	snap atomic.Pointer[Snapshot]
}

func NewStore(path, allowedRoot string, profiles map[string]Profile) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("policy file path is empty")
	}
	root, err := Canonicalize(allowedRoot)
	if err != nil {
		return nil, fmt.Errorf("canonicalize allowed root: %w", err)
	}
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	s := &Store{path: path, allowedRoot: root, profiles: profiles}
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.swapSnapshot()
	return s, nil
}

func loadDocument(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{Version: 1}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("read policy document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("parse policy document: %w", err)
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	return doc, nil
}

// Snapshot returns the current immutable evaluation view. The returned
// value is never mutated; evaluators may hold it for the duration of a
// request without locking.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Version returns the document version of the current snapshot.
func (s *Store) Version() int {
	return s.Snapshot().Version
}

// Profiles returns the configured capability templates.
func (s *Store) Profiles() map[string]Profile { return s.profiles }

// Document returns a copy of the persisted state for the admin view.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := Document{Version: s.doc.Version}
	doc.Rules = append([]Rule(nil), s.doc.Rules...)
	doc.Overlays = append([]Overlay(nil), s.doc.Overlays...)
	return doc
}

// AddRule validates spec against the boundary, stamps identity and expiry,
// persists and swaps. The stored rule is returned.
func (s *Store) AddRule(spec Rule) (Rule, error) {
	if err := spec.Validate(s.allowedRoot); err != nil {
		return Rule{}, err
	}
	now := time.Now().UTC()
	spec.ID = "rule-" + uuid.NewString()
	spec.CreatedAt = now
	if spec.TTLSec > 0 {
		exp := now.Add(time.Duration(spec.TTLSec) * time.Second)
		spec.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pruneLocked(now)
	next.Rules = append(next.Rules, spec)
	if err := s.commitLocked(next); err != nil {
		return Rule{}, err
	}
	return spec, nil
}

// RemoveRule deletes a rule by id. Removing an unknown id is not an error;
// the second of two identical calls simply reports false.
func (s *Store) RemoveRule(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pruneLocked(time.Now().UTC())
	found := false
	rules := next.Rules[:0]
	for _, r := range next.Rules {
		if r.ID == id {
			found = true
			continue
		}
		rules = append(rules, r)
	}
	if !found {
		return false, nil
	}
	next.Rules = rules
	if err := s.commitLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

// AssignOverlay binds a session to a profile for ttl seconds, optionally
// narrowed by a path or scope selector.
func (s *Store) AssignOverlay(o Overlay) (Overlay, error) {
	if o.SessionID == "" {
		return Overlay{}, fmt.Errorf("overlay requires session_id")
	}
	if _, ok := s.profiles[o.Profile]; !ok {
		return Overlay{}, fmt.Errorf("unknown profile %q", o.Profile)
	}
	if o.Path != "" {
		p, err := Canonicalize(o.Path)
		if err != nil {
			return Overlay{}, fmt.Errorf("canonicalize overlay path: %w", err)
		}
		if !isUnderRoot(p, s.allowedRoot) {
			return Overlay{}, fmt.Errorf("overlay path %q is outside allowed root", o.Path)
		}
	}
	if o.ScopeRoot != "" {
		root, err := Canonicalize(o.ScopeRoot)
		if err != nil {
			return Overlay{}, fmt.Errorf("canonicalize overlay scope root: %w", err)
		}
		if !isUnderRoot(root, s.allowedRoot) {
			return Overlay{}, fmt.Errorf("overlay scope root %q is outside allowed root", o.ScopeRoot)
		}
		for _, pat := range o.Patterns {
			if _, err := glob.Compile(pat, '/'); err != nil {
				return Overlay{}, fmt.Errorf("compile overlay pattern %q: %w", pat, err)
			}
		}
	}
	now := time.Now().UTC()
	o.ID = "overlay-" + uuid.NewString()
	o.CreatedAt = now
	if o.TTLSec <= 0 {
		o.TTLSec = 900
	}
	exp := now.Add(time.Duration(o.TTLSec) * time.Second)
	o.ExpiresAt = &exp

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pruneLocked(now)
	next.Overlays = append(next.Overlays, o)
	if err := s.commitLocked(next); err != nil {
		return Overlay{}, err
	}
	return o, nil
}

// RemoveOverlay deletes an overlay by id, same idempotence contract as
// RemoveRule.
func (s *Store) RemoveOverlay(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.pruneLocked(time.Now().UTC())
	found := false
	overlays := next.Overlays[:0]
	for _, o := range next.Overlays {
		if o.ID == id {
			found = true
			continue
		}
		overlays = append(overlays, o)
	}
	if !found {
		return false, nil
	}
	next.Overlays = overlays
	if err := s.commitLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

// Reload re-reads the document from disk and swaps the snapshot. Used by the
// file watcher and the admin reload trigger.
func (s *Store) Reload() error {
	doc, err := loadDocument(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	s.swapSnapshot()
	return nil
}

// pruneLocked returns a working copy of the document with expired rules and
// overlays collected. Expiry is otherwise lazy: evaluation skips expired
// entries without waiting for a mutation to collect them.
func (s *Store) pruneLocked(now time.Time) Document {
	next := Document{Version: s.doc.Version}
	for _, r := range s.doc.Rules {
		if r.Expired(now) {
			continue
		}
		next.Rules = append(next.Rules, r)
	}
	for _, o := range s.doc.Overlays {
		if o.Expired(now) {
			continue
		}
		next.Overlays = append(next.Overlays, o)
	}
	return next
}

func (s *Store) commitLocked(next Document) error {
	next.Version = s.doc.Version + 1
	if err := saveDocument(s.path, next); err != nil {
		return err
	}
	s.doc = next
	s.swapSnapshot()
	return nil
}

func (s *Store) swapSnapshot() {
	s.snap.Store(compileSnapshot(s.doc, s.profiles, s.allowedRoot))
}

func saveDocument(path string, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir policy dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy document: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write policy document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace policy document: %w", err)
	}
	return nil
}

// Snapshot is the immutable, pre-compiled evaluation view of one document
// version.
type Snapshot struct {
	Version     int
	AllowedRoot string
	Profiles    map[string]Profile

	rules    []compiledRule
	overlays []compiledOverlay
}

type compiledRule struct {
	rule      Rule
	canonPath string // path rules
	canonRoot string // scope rules
	globs     []glob.Glob
	prefixLen int
}

type compiledOverlay struct {
	overlay   Overlay
	canonPath string
	canonRoot string
	globs     []glob.Glob
}

func compileSnapshot(doc Document, profiles map[string]Profile, allowedRoot string) *Snapshot {
	snap := &Snapshot{
		Version:     doc.Version,
		AllowedRoot: allowedRoot,
		Profiles:    profiles,
	}
	for _, r := range doc.Rules {
		cr := compiledRule{rule: r}
		switch r.Type {
		case RuleTypePath:
			p, err := Canonicalize(r.Path)
			if err != nil {
				slog.Warn("policy: skipping rule with bad path", "rule", r.ID, "err", err)
				continue
			}
			cr.canonPath = p
			cr.prefixLen = len(p)
		case RuleTypeScope:
			root, err := Canonicalize(r.ScopeRoot)
			if err != nil {
				slog.Warn("policy: skipping rule with bad scope root", "rule", r.ID, "err", err)
				continue
			}
			cr.canonRoot = root
			ok := true
			for _, pat := range r.Patterns {
				g, err := glob.Compile(pat, '/')
				if err != nil {
					slog.Warn("policy: skipping rule with bad pattern", "rule", r.ID, "pattern", pat, "err", err)
					ok = false
					break
				}
				cr.globs = append(cr.globs, g)
				if n := len(root) + 1 + literalPrefixLen(pat); n > cr.prefixLen {
					cr.prefixLen = n
				}
			}
			if !ok {
				continue
			}
		default:
			continue
		}
		snap.rules = append(snap.rules, cr)
	}
	for _, o := range doc.Overlays {
		co := compiledOverlay{overlay: o}
		if o.Path != "" {
			p, err := Canonicalize(o.Path)
			if err != nil {
				slog.Warn("policy: skipping overlay with bad path", "overlay", o.ID, "err", err)
				continue
			}
			co.canonPath = p
		}
		if o.ScopeRoot != "" {
			root, err := Canonicalize(o.ScopeRoot)
			if err != nil {
				slog.Warn("policy: skipping overlay with bad scope root", "overlay", o.ID, "err", err)
				continue
			}
			co.canonRoot = root
			ok := true
			for _, pat := range o.Patterns {
				g, err := glob.Compile(pat, '/')
				if err != nil {
					slog.Warn("policy: skipping overlay with bad pattern", "overlay", o.ID, "pattern", pat, "err", err)
					ok = false
					break
				}
				co.globs = append(co.globs, g)
			}
			if !ok {
				continue
			}
		}
		snap.overlays = append(snap.overlays, co)
	}
	return snap
}

// literalPrefixLen returns the length of the leading literal (non-wildcard)
// portion of a glob pattern, used for most-specific-first tie-breaking.
func literalPrefixLen(pat string) int {
	for i, r := range pat {
		switch r {
		case '*', '?', '[', '{':
			return i
		}
	}
	return len(pat)
}
