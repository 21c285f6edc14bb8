package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"browsernerd/internal/config"
	"browsernerd/internal/driver"
	"browsernerd/internal/profile"
	"browsernerd/internal/script"
)

// fakeBrowser satisfies Browser without a real subprocess. Click can
// be made to block so tests can hold a script mid-step.
type fakeBrowser struct {
	mu        sync.Mutex
	closed    bool
	crashedCh chan struct{}
	blockCh   chan struct{} // non-nil Click blocks until closed
	calls     []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{crashedCh: make(chan struct{})}
}

func (b *fakeBrowser) record(c string) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
}

func (b *fakeBrowser) Navigate(context.Context, string, string, time.Duration) error {
	b.record("navigate")
	return nil
}

func (b *fakeBrowser) Click(ctx context.Context, q driver.Query, _ time.Duration) error {
	b.record("click:" + q.Value)
	b.mu.Lock()
	block := b.blockCh
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *fakeBrowser) ClickAt(context.Context, float64, float64) error { return nil }
func (b *fakeBrowser) Fill(context.Context, driver.Query, string, time.Duration) error {
	return nil
}
func (b *fakeBrowser) Press(context.Context, string) error { return nil }
func (b *fakeBrowser) Hover(context.Context, driver.Query, time.Duration) error { return nil }
func (b *fakeBrowser) SelectOption(context.Context, driver.Query, string, time.Duration) error {
	return nil
}
func (b *fakeBrowser) Scroll(context.Context, float64, float64) error { return nil }
func (b *fakeBrowser) WaitForSelector(context.Context, driver.Query, time.Duration) error {
	return nil
}
func (b *fakeBrowser) Screenshot(context.Context, bool) ([]byte, error) {
	return []byte("png"), nil
}
func (b *fakeBrowser) ElementScreenshot(context.Context, driver.Query, time.Duration) ([]byte, error) {
	return []byte("png"), nil
}
func (b *fakeBrowser) Evaluate(context.Context, string) ([]byte, error) {
	return []byte("null"), nil
}
func (b *fakeBrowser) EvalBool(context.Context, string) (bool, error) { return false, nil }
func (b *fakeBrowser) ElementText(context.Context, driver.Query, time.Duration) (string, error) {
	return "", nil
}
func (b *fakeBrowser) SelectorCount(context.Context, string) (int, error) { return 0, nil }

func (b *fakeBrowser) Info(context.Context) (driver.PageInfo, error) {
	return driver.PageInfo{URL: "about:blank"}, nil
}
func (b *fakeBrowser) CookiesForDomains(context.Context, []string) ([]driver.Cookie, error) {
	return nil, nil
}
func (b *fakeBrowser) LocalStorageKeys(context.Context) ([]string, error) { return nil, nil }
func (b *fakeBrowser) StartRecording(context.Context) error          { return nil }
func (b *fakeBrowser) StopRecording(context.Context) ([]byte, error) { return nil, nil }
func (b *fakeBrowser) Crashed() <-chan struct{}                      { return b.crashedCh }

func (b *fakeBrowser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func newTestManager(t *testing.T) (*Manager, *profile.Store, func() *fakeBrowser) {
	t.Helper()
	store, err := profile.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ProfilesRoot = t.TempDir()
	cfg.SessionDrainDeadline = 2

	m := NewManager(ManagerOptions{Config: cfg, Profiles: store})

	var mu sync.Mutex
	var last *fakeBrowser
	m.launch = func(context.Context, driver.LaunchOptions) (Browser, error) {
		b := newFakeBrowser()
		mu.Lock()
		last = b
		mu.Unlock()
		return b, nil
	}
	return m, store, func() *fakeBrowser {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func named(name string) OpenOptions {
	return OpenOptions{Requirements: profile.Requirements{ProfileName: name}}
}

func TestSecondSessionOnSameProfileIsBusy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, store, _ := newTestManager(t)
	_, err := store.Create("work", "", nil, nil)
	require.NoError(t, err)

	s1, err := m.Open(context.Background(), named("work"))
	require.NoError(t, err)

	_, err = m.Open(context.Background(), named("work"))
	assert.ErrorIs(t, err, ErrProfileBusy)

	// A clone is always admitted and gets its own directory.
	cloneOpts := OpenOptions{Requirements: profile.Requirements{
		ProfileName:      "work",
		CloneForParallel: true,
	}}
	before, err := store.Get("work")
	require.NoError(t, err)

	s2, err := m.Open(context.Background(), cloneOpts)
	require.NoError(t, err)
	assert.NotEqual(t, s1.UserDataDir, s2.UserDataDir)
	assert.True(t, s2.Cloned)

	// Clone activity leaves the source profile's accounting alone.
	after, err := store.Get("work")
	require.NoError(t, err)
	assert.Equal(t, before.UsageCount, after.UsageCount)
	assert.Equal(t, before.LastUsedAt, after.LastUsedAt)

	require.NoError(t, m.Close(context.Background(), s1.ID))
	require.NoError(t, m.Close(context.Background(), s2.ID))

	// The lock releases with the session.
	s3, err := m.Open(context.Background(), named("work"))
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background(), s3.ID))
}

func TestNoTwoLiveSessionsShareAUserDataDir(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, store, _ := newTestManager(t)
	for _, name := range []string{"a", "b"} {
		_, err := store.Create(name, "", nil, nil)
		require.NoError(t, err)
	}

	var opened []*Session
	for _, name := range []string{"a", "b"} {
		s, err := m.Open(context.Background(), named(name))
		require.NoError(t, err)
		opened = append(opened, s)
	}
	tmp, err := m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)
	opened = append(opened, tmp)

	seen := map[string]bool{}
	m.ForEachLive(func(s *Session) {
		assert.False(t, seen[s.UserDataDir], "duplicate user_data_dir %s", s.UserDataDir)
		seen[s.UserDataDir] = true
	})
	assert.Equal(t, 3, m.Count())

	for _, s := range opened {
		require.NoError(t, m.Close(context.Background(), s.ID))
	}
}

func TestTemporarySessionCleansUpItsDir(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, _, _ := newTestManager(t)

	s, err := m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)
	assert.True(t, s.Temporary)
	_, statErr := os.Stat(s.UserDataDir)
	require.NoError(t, statErr)

	require.NoError(t, m.Close(context.Background(), s.ID))
	_, statErr = os.Stat(s.UserDataDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTempRefusedWhenDisallowed(t *testing.T) {
	m, _, _ := newTestManager(t)
	no := false
	_, err := m.Open(context.Background(), OpenOptions{Requirements: profile.Requirements{
		RequiredTags:     []string{"nope"},
		AllowTempProfile: &no,
	}})
	var notSuitable *profile.NoSuitableProfileError
	assert.ErrorAs(t, err, &notSuitable)
}

func TestExecuteStepRejectedWhileScriptRuns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, _, lastBrowser := newTestManager(t)

	s, err := m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)
	b := lastBrowser()

	release := make(chan struct{})
	b.mu.Lock()
	b.blockCh = release
	b.mu.Unlock()

	scr := &script.Script{
		Name: "long",
		Steps: []script.Step{
			{Action: script.KindClick, Locator: &script.LocatorSpec{Value: "#slow"}},
		},
	}

	done := make(chan *script.Result, 1)
	go func() {
		res, rerr := m.ExecuteScript(context.Background(), s.ID, scr)
		require.NoError(t, rerr)
		done <- res
	}()

	// Wait until the script is actually mid-step.
	require.Eventually(t, func() bool {
		r := s.Runner()
		return r != nil && r.Running()
	}, time.Second, 5*time.Millisecond)

	_, err = m.ExecuteStep(context.Background(), s.ID, &script.Step{Action: script.KindPress, Key: "enter"})
	assert.ErrorIs(t, err, ErrScriptRunning)

	_, err = m.ExecuteScript(context.Background(), s.ID, scr)
	assert.ErrorIs(t, err, ErrScriptRunning)

	close(release)
	res := <-done
	assert.Equal(t, script.RunCompleted, res.Status)

	// Out-of-band steps work again once the script is done.
	sr, err := m.ExecuteStep(context.Background(), s.ID, &script.Step{Action: script.KindPress, Key: "enter"})
	require.NoError(t, err)
	assert.Equal(t, script.StepSuccess, sr.Status)

	require.NoError(t, m.Close(context.Background(), s.ID))
}

func TestScriptControlThroughManager(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, _, _ := newTestManager(t)

	s, err := m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)

	assert.Error(t, m.PauseScript(s.ID), "no runner yet")
	assert.Error(t, m.PauseScript("ghost"))

	require.NoError(t, m.Close(context.Background(), s.ID))
}

func TestShutdownDrainsEverySession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	m, store, _ := newTestManager(t)
	_, err := store.Create("p", "", nil, nil)
	require.NoError(t, err)

	var browsers []*fakeBrowser
	origLaunch := m.launch
	var mu sync.Mutex
	m.launch = func(ctx context.Context, lo driver.LaunchOptions) (Browser, error) {
		b, err := origLaunch(ctx, lo)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		browsers = append(browsers, b.(*fakeBrowser))
		mu.Unlock()
		return b, nil
	}

	_, err = m.Open(context.Background(), named("p"))
	require.NoError(t, err)
	_, err = m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)

	sub := m.Hub().Subscribe("", 64)
	defer sub.Close()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Count())
	for _, b := range browsers {
		assert.True(t, b.isClosed())
	}

	var sawShutdown bool
	for len(sub.C()) > 0 {
		if ev := <-sub.C(); ev.Type == "shutdown" {
			sawShutdown = true
		}
	}
	assert.True(t, sawShutdown)

	// After shutdown the profile lock is free again.
	s, err := m.Open(context.Background(), named("p"))
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background(), s.ID))
}

func TestBrowserCrashClosesSession(t *testing.T) {
	m, _, lastBrowser := newTestManager(t)

	s, err := m.Open(context.Background(), OpenOptions{})
	require.NoError(t, err)
	b := lastBrowser()

	close(b.crashedCh)
	require.Eventually(t, func() bool {
		_, lerr := m.Lookup(s.ID)
		return lerr != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, b.isClosed())
}
