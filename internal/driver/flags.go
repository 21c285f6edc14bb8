package driver

import (
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// LaunchOptions describe one browser launch. A session gets exactly
// one launch; persistent profiles bind via UserDataDir.
type LaunchOptions struct {
	Headless       bool
	Channel        string
	BinPath        string
	UserDataDir    string // empty for an ephemeral context
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	IgnoreHTTPS    bool
	NoSandbox      bool // enable only in containerized/rootless environments
	ExtraFlags     []string
}

// Available reports whether a browser binary is present on this
// host.
func Available() bool {
	_, ok := launcher.LookPath()
	return ok
}

// buildLauncher applies the launch-flag contract:
//
//   - the "controlled by automation" banner flag is stripped
//   - component extensions (password-manager UI) stay enabled
//   - no-sandbox only when the caller asked for it
func buildLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New().Headless(opts.Headless)

	if opts.BinPath != "" {
		l = l.Bin(opts.BinPath)
	} else if bin, ok := launcher.LookPath(); ok {
		l = l.Bin(bin)
	}

	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	// Sites fingerprint this flag; a profile that carries real logins
	// must not announce automation.
	l = l.Delete(flags.Flag("enable-automation"))
	l = l.Delete(flags.Flag("disable-component-extensions-with-background-pages"))

	if opts.NoSandbox {
		l = l.NoSandbox(true)
	}

	for _, raw := range opts.ExtraFlags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}
