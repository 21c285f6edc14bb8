package driver

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"browsernerd/internal/logging"
)

// healthInterval is how often the supervisor probes the browser.
const healthInterval = 5 * time.Second

// Handle owns one live browser subprocess and its single page.
type Handle struct {
	log     *zap.Logger
	opts    LaunchOptions
	browser *rod.Browser
	launch  *launcher.Launcher
	page    *rod.Page

	mu        sync.Mutex
	recording *recorder

	closeOnce sync.Once
	crashed   chan struct{}
	done      chan struct{}
}

// Launch starts a browser per the launch-flag contract and opens a
// blank page. The returned handle must be closed by its owner.
func Launch(ctx context.Context, opts LaunchOptions) (*Handle, error) {
	log := logging.Get(logging.CategoryDriver)

	l := buildLauncher(opts)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, opErr("launch", KindLaunchFailed, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, opErr("launch", KindLaunchFailed, err)
	}

	h := &Handle{
		log:     log,
		opts:    opts,
		browser: browser,
		launch:  l,
		crashed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := h.init(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}

	go h.supervise()
	log.Debug("browser launched",
		zap.String("control_url", controlURL),
		zap.String("user_data_dir", opts.UserDataDir),
		zap.Bool("headless", opts.Headless))
	return h, nil
}

// Attach connects to an already-running browser through its CDP URL.
// The subprocess is not owned; Close disconnects without killing it.
func Attach(ctx context.Context, controlURL string, opts LaunchOptions) (*Handle, error) {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, opErr("attach", KindLaunchFailed, err)
	}

	h := &Handle{
		log:     logging.Get(logging.CategoryDriver),
		opts:    opts,
		browser: browser,
		crashed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := h.init(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	go h.supervise()
	return h, nil
}

func (h *Handle) init(ctx context.Context) error {
	if h.opts.IgnoreHTTPS {
		if err := h.browser.IgnoreCertErrors(true); err != nil {
			return opErr("launch", KindLaunchFailed, err)
		}
	}

	page, err := h.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return opErr("launch", KindLaunchFailed, err)
	}
	h.page = page.Context(ctx)

	w, hgt := h.opts.ViewportWidth, h.opts.ViewportHeight
	if w <= 0 {
		w = 1920
	}
	if hgt <= 0 {
		hgt = 1080
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            hgt,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(h.page); err != nil {
		h.log.Warn("failed to set viewport", zap.Error(err))
	}

	if h.opts.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{
			UserAgent: h.opts.UserAgent,
		}).Call(h.page); err != nil {
			h.log.Warn("failed to set user agent", zap.Error(err))
		}
	}
	return nil
}

// supervise converts unexpected browser exit into a crash signal the
// owning session can observe.
func (h *Handle) supervise() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if _, err := h.browser.Version(); err != nil {
				h.log.Error("browser subprocess died", zap.Error(err))
				select {
				case <-h.crashed:
				default:
					close(h.crashed)
				}
				return
			}
		}
	}
}

// Crashed is closed when the supervisor detects unexpected browser
// exit.
func (h *Handle) Crashed() <-chan struct{} { return h.crashed }

// Close shuts the page and browser down. Idempotent.
func (h *Handle) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if h.recording != nil {
			_, _ = h.StopRecording(ctx)
		}
		if h.page != nil {
			_ = h.page.Close()
		}
		if h.browser != nil {
			err = h.browser.Close()
		}
		if h.launch != nil {
			h.launch.Kill()
			h.launch.Cleanup()
		}
	})
	return err
}
