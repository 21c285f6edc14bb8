package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ValidationMode selects which checks a validation run performs.
type ValidationMode string

const (
	ValidateStatic  ValidationMode = "static"
	ValidateRuntime ValidationMode = "runtime"
	ValidateBoth    ValidationMode = "both"
)

// Validation statuses.
const (
	StatusOK      = "ok"
	StatusWarn    = "warn"
	StatusMissing = "missing"
)

// Check is one validation probe result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of a validation run.
type Report struct {
	Profile         string    `json:"profile"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	Checks          []Check   `json:"checks"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	LastModified    time.Time `json:"last_modified,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// CookieAssert names a cookie that must be present for a domain.
type CookieAssert struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
}

// RuntimeAsserts are the caller-supplied checks for runtime
// validation.
type RuntimeAsserts struct {
	UIProbe          string         `json:"ui_probe,omitempty"`
	Cookies          []CookieAssert `json:"cookies,omitempty"`
	LocalStorageKeys []string       `json:"local_storage_keys,omitempty"`
}

// RuntimeChecker is implemented by a live session bound to the
// profile under validation. The UI probe runs through the escalation
// engine and returns a yes/no verdict.
type RuntimeChecker interface {
	ProbeUI(ctx context.Context, prompt string) (bool, error)
	HasCookie(ctx context.Context, domain, name string) (bool, error)
	HasLocalStorageKey(ctx context.Context, key string) (bool, error)
}

// Chromium artifacts we look for inside a user-data directory.
// Cookies moved under Default/Network in modern layouts.
var authIndicators = []struct {
	name  string
	paths []string
}{
	{"cookies_db", []string{
		filepath.Join("Default", "Cookies"),
		filepath.Join("Default", "Network", "Cookies"),
	}},
	{"local_storage", []string{
		filepath.Join("Default", "Local Storage", "leveldb"),
	}},
}

var structureArtifacts = []struct {
	name  string
	paths []string
}{
	{"preferences", []string{filepath.Join("Default", "Preferences")}},
	{"local_state", []string{"Local State"}},
}

// ValidateStaticDir inspects a user-data directory for Chromium
// profile artifacts without opening a browser.
func ValidateStaticDir(name, dir string) *Report {
	r := &Report{Profile: name, Mode: string(ValidateStatic)}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.Status = StatusMissing
		r.Checks = append(r.Checks, Check{Name: "user_data_dir", OK: false, Detail: dir})
		r.Recommendations = append(r.Recommendations,
			"user-data directory is absent; launch the browser once against this profile to initialize it")
		return r
	}
	r.Checks = append(r.Checks, Check{Name: "user_data_dir", OK: true, Detail: dir})

	defaultDir := filepath.Join(dir, "Default")
	hasDefault := dirExists(defaultDir)
	r.Checks = append(r.Checks, Check{Name: "default_subtree", OK: hasDefault})

	authFound := false
	for _, art := range authIndicators {
		ok, where := anyPathExists(dir, art.paths)
		r.Checks = append(r.Checks, Check{Name: art.name, OK: ok, Detail: where})
		if ok {
			authFound = true
		}
	}
	for _, art := range structureArtifacts {
		ok, where := anyPathExists(dir, art.paths)
		r.Checks = append(r.Checks, Check{Name: art.name, OK: ok, Detail: where})
	}

	r.TotalSizeBytes, r.LastModified = dirStats(dir)

	switch {
	case hasDefault && authFound:
		r.Status = StatusOK
	case hasDefault || authFound:
		r.Status = StatusWarn
		r.Recommendations = append(r.Recommendations,
			"no auth indicators found; log in manually once so cookies persist")
	default:
		r.Status = StatusMissing
		r.Recommendations = append(r.Recommendations,
			"directory exists but carries no Chromium profile structure")
	}
	return r
}

// Validate runs static and/or runtime checks against a profile.
// checker and asserts are only consulted for runtime modes; checker
// may be nil for static-only validation.
func (s *Store) Validate(ctx context.Context, name string, mode ValidationMode, checker RuntimeChecker, asserts RuntimeAsserts) (*Report, error) {
	p, err := s.Get(name)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ValidateStatic, "":
		return ValidateStaticDir(name, p.UserDataDir), nil
	case ValidateRuntime:
		return runtimeReport(ctx, name, checker, asserts)
	case ValidateBoth:
		static := ValidateStaticDir(name, p.UserDataDir)
		rt, err := runtimeReport(ctx, name, checker, asserts)
		if err != nil {
			return nil, err
		}
		return mergeReports(static, rt), nil
	default:
		return nil, fmt.Errorf("unknown validation mode %q", mode)
	}
}

func runtimeReport(ctx context.Context, name string, checker RuntimeChecker, asserts RuntimeAsserts) (*Report, error) {
	if checker == nil {
		return nil, fmt.Errorf("runtime validation requires a live session")
	}
	r := &Report{Profile: name, Mode: string(ValidateRuntime), Status: StatusOK}
	fail := func(rec string) {
		r.Status = StatusWarn
		r.Recommendations = append(r.Recommendations, rec)
	}

	if asserts.UIProbe != "" {
		ok, err := checker.ProbeUI(ctx, asserts.UIProbe)
		if err != nil {
			return nil, fmt.Errorf("ui probe: %w", err)
		}
		r.Checks = append(r.Checks, Check{Name: "ui_probe", OK: ok, Detail: asserts.UIProbe})
		if !ok {
			fail("UI probe answered no; the profile is likely logged out")
		}
	}
	for _, ca := range asserts.Cookies {
		ok, err := checker.HasCookie(ctx, ca.Domain, ca.Name)
		if err != nil {
			return nil, fmt.Errorf("cookie check %s/%s: %w", ca.Domain, ca.Name, err)
		}
		r.Checks = append(r.Checks, Check{
			Name: "cookie", OK: ok, Detail: ca.Domain + "/" + ca.Name,
		})
		if !ok {
			fail(fmt.Sprintf("cookie %s missing for %s; re-authenticate", ca.Name, ca.Domain))
		}
	}
	for _, key := range asserts.LocalStorageKeys {
		ok, err := checker.HasLocalStorageKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("local-storage check %s: %w", key, err)
		}
		r.Checks = append(r.Checks, Check{Name: "local_storage_key", OK: ok, Detail: key})
		if !ok {
			fail(fmt.Sprintf("localStorage key %s absent", key))
		}
	}
	return r, nil
}

// mergeReports unions static and runtime checks; the worse status
// wins.
func mergeReports(static, rt *Report) *Report {
	out := &Report{
		Profile:        static.Profile,
		Mode:           string(ValidateBoth),
		Checks:         append(append([]Check(nil), static.Checks...), rt.Checks...),
		TotalSizeBytes: static.TotalSizeBytes,
		LastModified:   static.LastModified,
	}
	out.Recommendations = append(out.Recommendations, static.Recommendations...)
	out.Recommendations = append(out.Recommendations, rt.Recommendations...)
	out.Status = worseStatus(static.Status, rt.Status)
	return out
}

func worseStatus(a, b string) string {
	rank := map[string]int{StatusOK: 0, StatusWarn: 1, StatusMissing: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func anyPathExists(root string, rels []string) (bool, string) {
	for _, rel := range rels {
		if _, err := os.Stat(filepath.Join(root, rel)); err == nil {
			return true, rel
		}
	}
	return false, ""
}

func dirStats(root string) (int64, time.Time) {
	var total int64
	var latest time.Time
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return total, latest
}
