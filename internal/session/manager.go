package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"browsernerd/internal/config"
	"browsernerd/internal/driver"
	"browsernerd/internal/logging"
	"browsernerd/internal/profile"
	"browsernerd/internal/runner"
	"browsernerd/internal/script"
	"browsernerd/internal/vision"
)

var (
	ErrProfileBusy     = errors.New("profile busy: user data dir held by another session")
	ErrSessionNotFound = errors.New("session not found")
	ErrScriptRunning   = errors.New("a script is already running on this session")
)

// Browser is the slice of driver.Handle the manager needs. The
// launch seam lets tests run sessions without a real browser.
type Browser interface {
	runner.Page
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) ([]byte, error)
	Crashed() <-chan struct{}
	Close(ctx context.Context) error
}

type launchFn func(ctx context.Context, opts driver.LaunchOptions) (Browser, error)

// Session is one live browser execution context.
type Session struct {
	ID          string
	ProfileName string // empty for temporary
	UserDataDir string
	Temporary   bool
	Cloned      bool
	CreatedAt   time.Time
	Browser     Browser

	// mu serializes control commands; at most one script runs at a
	// time on a session.
	mu     sync.Mutex
	runner *runner.Runner

	done      chan struct{}
	closeOnce sync.Once
}

// Runner returns the active runner, or nil.
func (s *Session) Runner() *runner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner
}

// OpenOptions parameterize session creation.
type OpenOptions struct {
	Requirements   profile.Requirements
	Headless       *bool // nil uses the configured default
	BrowserChannel string
}

// Manager owns the session-id registry and profile exclusivity.
type Manager struct {
	cfg      config.Config
	profiles *profile.Store
	vis      vision.Client
	sinkFor  func(sessionID string) runner.ArtifactSink
	hub      *Hub
	launch   launchFn
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	dirLocks map[string]string // user-data-dir -> session id
}

// ManagerOptions wire a manager. Vision and SinkFor may be nil; a
// nil SinkFor disables artifact uploads. Launch overrides how
// browsers are started; nil launches real ones.
type ManagerOptions struct {
	Config   config.Config
	Profiles *profile.Store
	Vision   vision.Client
	SinkFor  func(sessionID string) runner.ArtifactSink
	Hub      *Hub
	Launch   func(ctx context.Context, opts driver.LaunchOptions) (Browser, error)
}

// NewManager builds a manager that launches real browsers.
func NewManager(opts ManagerOptions) *Manager {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	launch := opts.Launch
	if launch == nil {
		launch = func(ctx context.Context, lo driver.LaunchOptions) (Browser, error) {
			return driver.Launch(ctx, lo)
		}
	}
	return &Manager{
		cfg:      opts.Config,
		profiles: opts.Profiles,
		vis:      opts.Vision,
		sinkFor:  opts.SinkFor,
		hub:      hub,
		launch:   launch,
		log:      logging.Get(logging.CategorySession),
		sessions: make(map[string]*Session),
		dirLocks: make(map[string]string),
	}
}

// Hub exposes the event hub for ingress surfaces.
func (m *Manager) Hub() *Hub { return m.hub }

// Open resolves a profile, enforces exclusivity, launches a browser,
// and registers the session.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	resolved, err := m.profiles.Resolve(opts.Requirements)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	switch {
	case resolved.Temporary:
		dir, err := os.MkdirTemp("", "browsernerd-temp-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp profile dir: %w", err)
		}
		sess.Temporary = true
		sess.UserDataDir = dir
	case resolved.Clone:
		dir, err := os.MkdirTemp("", "browsernerd-clone-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create clone dir: %w", err)
		}
		if err := copyDir(resolved.Profile.UserDataDir, dir); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to clone profile %q: %w", resolved.Profile.Name, err)
		}
		sess.Cloned = true
		sess.ProfileName = resolved.Profile.Name
		sess.UserDataDir = dir
	default:
		if err := m.lockDir(resolved.Profile.UserDataDir, id); err != nil {
			return nil, err
		}
		sess.ProfileName = resolved.Profile.Name
		sess.UserDataDir = resolved.Profile.UserDataDir
	}

	lo := m.launchOptions(opts, resolved)
	lo.UserDataDir = sess.UserDataDir

	browser, err := m.launch(ctx, lo)
	if err != nil {
		m.releaseDirs(sess)
		return nil, err
	}
	sess.Browser = browser

	// Clones must not bump the source profile's usage accounting.
	if sess.ProfileName != "" && !sess.Cloned {
		if terr := m.profiles.Touch(sess.ProfileName); terr != nil {
			m.log.Warn("failed to touch profile", zap.String("profile", sess.ProfileName), zap.Error(terr))
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.watchCrash(sess)

	m.hub.Publish(id, "session_started", map[string]any{
		"profile":   sess.ProfileName,
		"temporary": sess.Temporary,
		"cloned":    sess.Cloned,
	})
	m.log.Info("session opened",
		zap.String("session_id", id),
		zap.String("profile", sess.ProfileName),
		zap.Bool("temporary", sess.Temporary),
		zap.Bool("cloned", sess.Cloned))
	return sess, nil
}

func (m *Manager) launchOptions(opts OpenOptions, resolved profile.Resolved) driver.LaunchOptions {
	headless := m.cfg.Browser.Headless
	if opts.Headless != nil {
		headless = *opts.Headless
	}
	channel := opts.BrowserChannel
	if channel == "" && resolved.Profile != nil {
		channel = resolved.Profile.BrowserChannel
	}
	if channel == "" {
		channel = m.cfg.DefaultBrowserChannel
	}
	w, h := m.cfg.Browser.Viewport()
	return driver.LaunchOptions{
		Headless:       headless,
		Channel:        channel,
		UserAgent:      m.cfg.Browser.UserAgent,
		ViewportWidth:  w,
		ViewportHeight: h,
		IgnoreHTTPS:    m.cfg.Browser.IgnoreHTTPS(),
		NoSandbox:      m.cfg.Browser.NoSandbox,
	}
}

func (m *Manager) lockDir(dir, sessionID string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.dirLocks[abs]; held {
		m.log.Warn("profile busy",
			zap.String("user_data_dir", abs),
			zap.String("held_by", holder))
		return ErrProfileBusy
	}
	m.dirLocks[abs] = sessionID
	return nil
}

func (m *Manager) releaseDirs(sess *Session) {
	if sess.Temporary || sess.Cloned {
		if sess.UserDataDir != "" {
			os.RemoveAll(sess.UserDataDir)
		}
		return
	}
	abs, err := filepath.Abs(sess.UserDataDir)
	if err != nil {
		abs = sess.UserDataDir
	}
	m.mu.Lock()
	if m.dirLocks[abs] == sess.ID {
		delete(m.dirLocks, abs)
	}
	m.mu.Unlock()
}

func (m *Manager) watchCrash(sess *Session) {
	select {
	case <-sess.done:
		return
	case <-sess.Browser.Crashed():
	}
	m.mu.Lock()
	_, live := m.sessions[sess.ID]
	m.mu.Unlock()
	if !live {
		return
	}
	m.hub.Publish(sess.ID, "script_error", map[string]any{
		"error":      "browser subprocess died",
		"error_kind": string(driver.KindDriverCrash),
	})
	if r := sess.Runner(); r != nil {
		r.Stop()
	}
	_ = m.Close(context.Background(), sess.ID)
}

// Lookup finds a live session.
func (m *Manager) Lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ForEachLive visits every live session.
func (m *Manager) ForEachLive(fn func(*Session)) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		fn(s)
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops any running script, shuts the browser down, and
// releases the session's resources. Idempotent per id.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.closeOnce.Do(func() { close(sess.done) })
	if r := sess.Runner(); r != nil {
		r.Stop()
	}
	err := sess.Browser.Close(ctx)
	m.releaseDirs(sess)
	m.hub.Publish(id, "session_closed", nil)
	m.hub.Forget(id)
	m.log.Info("session closed", zap.String("session_id", id))
	return err
}

func (m *Manager) newExecutor(sess *Session) *runner.Executor {
	var sink runner.ArtifactSink
	if m.sinkFor != nil {
		sink = m.sinkFor(sess.ID)
	}
	return runner.NewExecutor(runner.ExecutorOptions{
		Page:           sess.Browser,
		Vision:         m.vis,
		Profiles:       m.profiles,
		ProfileName:    sess.ProfileName,
		SessionID:      sess.ID,
		StepTimeout:    m.cfg.StepTimeout(),
		MaxVisionCalls: m.cfg.MaxVisionEscalationsPerScript,
		Sink:           sink,
		Emit:           m.hub.Emitter(sess.ID),
	})
}

// ExecuteScript runs a script synchronously on the session. Only one
// script may run at a time per session.
func (m *Manager) ExecuteScript(ctx context.Context, id string, scr *script.Script) (*script.Result, error) {
	sess, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}

	r := runner.New(runner.RunnerOptions{
		Executor:  m.newExecutor(sess),
		Script:    scr,
		SessionID: sess.ID,
		Deadline:  m.cfg.ScriptDeadline(),
		Emit:      m.hub.Emitter(sess.ID),
	})

	sess.mu.Lock()
	if sess.runner != nil && sess.runner.Running() {
		sess.mu.Unlock()
		return nil, ErrScriptRunning
	}
	sess.runner = r
	sess.mu.Unlock()

	result := r.Run(ctx)

	sess.mu.Lock()
	if sess.runner == r {
		sess.runner = nil
	}
	sess.mu.Unlock()
	return result, nil
}

// ExecuteStep runs one ad-hoc step out of band. Rejected while a
// script is running on the session.
func (m *Manager) ExecuteStep(ctx context.Context, id string, st *script.Step) (*script.StepResult, error) {
	sess, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	if sess.runner != nil && sess.runner.Running() {
		sess.mu.Unlock()
		return nil, ErrScriptRunning
	}
	sess.mu.Unlock()

	return m.newExecutor(sess).Execute(ctx, 0, st), nil
}

// PauseScript, ResumeScript, and StopScript control the session's
// active runner.
func (m *Manager) PauseScript(id string) error  { return m.withRunner(id, (*runner.Runner).Pause) }
func (m *Manager) ResumeScript(id string) error { return m.withRunner(id, (*runner.Runner).Resume) }
func (m *Manager) StopScript(id string) error   { return m.withRunner(id, (*runner.Runner).Stop) }

func (m *Manager) withRunner(id string, fn func(*runner.Runner)) error {
	sess, err := m.Lookup(id)
	if err != nil {
		return err
	}
	r := sess.Runner()
	if r == nil {
		return errors.New("no script running on session")
	}
	fn(r)
	return nil
}

// Shutdown stops every runner and closes every session, bounded by
// the drain deadline. A final shutdown event goes to all observers.
func (m *Manager) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainDeadline())
	defer cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := m.Close(drainCtx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	m.hub.Publish("", "shutdown", map[string]any{"sessions_closed": len(ids)})
	m.log.Info("session manager drained", zap.Int("sessions", len(ids)))
	return err
}

// copyDir copies a user-data tree. Symlinks are skipped; Chromium
// profiles do not rely on them.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case !d.Type().IsRegular():
			return nil
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
