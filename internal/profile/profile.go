// Package profile implements the durable catalog of browser
// identities: named user-data directories plus metadata, with
// tag-based resolution and usage accounting.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"browsernerd/internal/logging"
)

const indexVersion = "1"

// indexFileName is the on-disk registry under the profiles root.
const indexFileName = "profiles.json"

var (
	ErrAlreadyExists = errors.New("profile already exists")
	ErrNotFound      = errors.New("profile not found")
	ErrIndexCorrupt  = errors.New("profile index corrupt")
)

// Profile is a persistable browser identity.
type Profile struct {
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Tags                []string   `json:"tags"`
	AutoLoginSites      []string   `json:"auto_login_sites"`
	UserDataDir         string     `json:"user_data_dir"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsedAt          *time.Time `json:"last_used_at"`
	UsageCount          int        `json:"usage_count"`
	RequiresHumanLogin  bool       `json:"requires_human_login"`
	LoginNotes          string     `json:"login_notes"`
	SessionTimeoutHours int        `json:"session_timeout_hours"`
	BrowserChannel      string     `json:"browser_channel,omitempty"`
}

// HasAllTags reports whether the profile's tag set is a superset of
// required.
func (p *Profile) HasAllTags(required []string) bool {
	set := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		set[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// MissingTags returns the requested tags the profile does not carry.
func (p *Profile) MissingTags(required []string) []string {
	set := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		set[t] = struct{}{}
	}
	var missing []string
	for _, t := range required {
		if _, ok := set[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// SessionTimeout returns the configured auth-freshness window.
func (p *Profile) SessionTimeout() time.Duration {
	h := p.SessionTimeoutHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.AutoLoginSites = append([]string(nil), p.AutoLoginSites...)
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// index is the on-disk registry structure.
type index struct {
	Version  string              `json:"version"`
	Profiles map[string]*Profile `json:"profiles"`
}

// Store owns the profile index and all on-disk mutations.
// Reads serve from an in-memory snapshot; writes serialize through
// the store's mutex and rewrite the index atomically.
type Store struct {
	root string
	log  *zap.Logger

	mu  sync.RWMutex
	idx index

	// now is swappable for tests.
	now func() time.Time
}

// NewStore opens (or initializes) the profile store rooted at root.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("profiles root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles root: %w", err)
	}

	s := &Store{
		root: root,
		log:  logging.Get(logging.CategoryProfile),
		idx:  index{Version: indexVersion, Profiles: make(map[string]*Profile)},
		now:  time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the profiles root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	if idx.Profiles == nil {
		idx.Profiles = make(map[string]*Profile)
	}
	if idx.Version == "" {
		idx.Version = indexVersion
	}
	s.idx = idx
	return nil
}

// save rewrites the index atomically: write to a temp file, fsync,
// then rename over the live index. A crash mid-write leaves either
// the old or the new index, never a truncated one. Caller must hold
// the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write index temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write index temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync index temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close index temp: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// Create registers a new profile and its user-data directory.
func (s *Store) Create(name, description string, tags, autoLoginSites []string) (*Profile, error) {
	if name == "" {
		return nil, fmt.Errorf("profile name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.Profiles[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user-data dir: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	p := &Profile{
		Name:                name,
		Description:         description,
		Tags:                append([]string(nil), tags...),
		AutoLoginSites:      append([]string(nil), autoLoginSites...),
		UserDataDir:         abs,
		CreatedAt:           s.now().UTC(),
		SessionTimeoutHours: 24,
	}
	s.idx.Profiles[name] = p

	if err := s.save(); err != nil {
		delete(s.idx.Profiles, name)
		return nil, err
	}
	s.log.Info("profile created", zap.String("name", name), zap.Strings("tags", tags))
	return p.clone(), nil
}

// Get returns a profile by name, or ErrNotFound.
func (s *Store) Get(name string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.idx.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p.clone(), nil
}

// List returns all profiles, OR-filtered by tags when supplied.
func (s *Store) List(filterTags []string) []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Profile
	for _, p := range s.idx.Profiles {
		if len(filterTags) > 0 && !hasAnyTag(p, filterTags) {
			continue
		}
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hasAnyTag(p *Profile, tags []string) bool {
	set := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		set[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// FindByTags returns profiles matching the required tags with AND
// (matchAll) or OR semantics, ordered by last_used_at descending with
// never-used profiles last.
func (s *Store) FindByTags(requiredTags []string, matchAll bool) []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Profile
	for _, p := range s.idx.Profiles {
		if matchAll {
			if !p.HasAllTags(requiredTags) {
				continue
			}
		} else if !hasAnyTag(p, requiredTags) {
			continue
		}
		out = append(out, p.clone())
	}
	sortByRecency(out)
	return out
}

func sortByRecency(profiles []*Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i].LastUsedAt, profiles[j].LastUsedAt
		switch {
		case a == nil && b == nil:
			return profiles[i].Name < profiles[j].Name
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

// UpdateTags replaces a profile's tag set. Idempotent.
func (s *Store) UpdateTags(name string, tags []string) error {
	return s.mutate(name, func(p *Profile) {
		p.Tags = append([]string(nil), tags...)
	})
}

// UpdateBrowserChannel sets the profile's preferred browser channel.
func (s *Store) UpdateBrowserChannel(name, channel string) error {
	return s.mutate(name, func(p *Profile) {
		p.BrowserChannel = channel
	})
}

// MarkRequiresHumanLogin flags a profile as needing interactive login.
func (s *Store) MarkRequiresHumanLogin(name string, required bool, notes string) error {
	return s.mutate(name, func(p *Profile) {
		p.RequiresHumanLogin = required
		p.LoginNotes = notes
	})
}

// Touch updates last_used_at and increments usage_count. Call exactly
// once per successful use.
func (s *Store) Touch(name string) error {
	return s.mutate(name, func(p *Profile) {
		now := s.now().UTC()
		p.LastUsedAt = &now
		p.UsageCount++
	})
}

func (s *Store) mutate(name string, fn func(*Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.idx.Profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	before := p.clone()
	fn(p)
	if err := s.save(); err != nil {
		s.idx.Profiles[name] = before
		return err
	}
	return nil
}

// Delete removes a profile from the index. When keepData is false the
// user-data directory is removed recursively.
func (s *Store) Delete(name string, keepData bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.idx.Profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.idx.Profiles, name)
	if err := s.save(); err != nil {
		s.idx.Profiles[name] = p
		return err
	}

	if !keepData {
		if err := os.RemoveAll(p.UserDataDir); err != nil {
			s.log.Warn("failed to remove user-data dir",
				zap.String("name", name), zap.Error(err))
		}
	}
	s.log.Info("profile deleted", zap.String("name", name), zap.Bool("keep_data", keepData))
	return nil
}

// IsSessionValid reports whether the profile was used within its
// session timeout window.
func (s *Store) IsSessionValid(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.idx.Profiles[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if p.LastUsedAt == nil {
		return false, nil
	}
	return s.now().Sub(*p.LastUsedAt) < p.SessionTimeout(), nil
}
