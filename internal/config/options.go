package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Options is the flat settings structure shared by every ebd command.
// Struct tags map each field to a TOML path and an EBD_* environment variable;
// the cobra flag name is derived from the field name (see fieldNameToFlag).
type Options struct {
	Config string `help:"Path to configuration file"`

	// Daemon settings
	EbdDir        string   `toml:"daemon.ebd_dir" env:"DAEMON_EBD_DIR"`
	BashBinary    string   `toml:"daemon.bash" env:"DAEMON_BASH"`
	SandboxBinary string   `toml:"daemon.sandbox" env:"DAEMON_SANDBOX"`
	PathPrepend   []string `toml:"daemon.path_prepend" env:"DAEMON_PATH_PREPEND"`
	LibraryPath   []string `toml:"daemon.library_path" env:"DAEMON_LIBRARY_PATH"`
	HelpersDir    string   `toml:"daemon.helpers_dir" env:"DAEMON_HELPERS_DIR"`
	Interpreter   string   `toml:"daemon.interpreter" env:"DAEMON_INTERPRETER"`

	HandshakeTimeout string `toml:"daemon.handshake_timeout" env:"DAEMON_HANDSHAKE_TIMEOUT"`
	AliveTimeout     string `toml:"daemon.alive_timeout" env:"DAEMON_ALIVE_TIMEOUT"`
	KillTimeout      string `toml:"daemon.kill_timeout" env:"DAEMON_KILL_TIMEOUT"`

	// Privilege settings
	Userpriv bool   `toml:"build.userpriv" env:"BUILD_USERPRIV"`
	Sandbox  string `toml:"build.sandbox" env:"BUILD_SANDBOX"`
	BuildUID uint32 `toml:"build.uid" env:"BUILD_UID"`
	BuildGID uint32 `toml:"build.gid" env:"BUILD_GID"`
	Tmpdir   string `toml:"build.tmpdir" env:"BUILD_TMPDIR"`

	// Eclass settings
	EclassDirs    []string `toml:"eclass.dirs" env:"ECLASS_DIRS"`
	EclassCaching bool     `toml:"eclass.caching" env:"ECLASS_CACHING"`
	EclassWatch   bool     `toml:"eclass.watch" env:"ECLASS_WATCH"`

	// Metrics settings
	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel   string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingProcess string `toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingEclass  string `toml:"logging.eclass" env:"LOGGING_ECLASS"`
}

// DefaultOptions returns the settings used when nothing else is configured.
// Paths follow the usual pkgcore installation layout.
func DefaultOptions() Options {
	return Options{
		Config:           "/etc/ebd/ebd.toml",
		EbdDir:           "/usr/lib/pkgcore/ebd",
		BashBinary:       "/bin/bash",
		SandboxBinary:    "/usr/bin/sandbox",
		HelpersDir:       "/usr/lib/pkgcore/ebd/helpers",
		HandshakeTimeout: "10s",
		AliveTimeout:     "10s",
		KillTimeout:      "5s",
		Sandbox:          "auto",
		BuildUID:         250,
		BuildGID:         250,
		EclassCaching:    true,
		LoggingLevel:     "info",
		LoggingFormat:    "text",
		LoggingProcess:   "info",
		LoggingEclass:    "info",
	}
}

// Timeouts holds the parsed duration settings.
type Timeouts struct {
	Handshake time.Duration
	Alive     time.Duration
	Kill      time.Duration
}

// ParseTimeouts converts the duration strings into time.Duration values.
func (o *Options) ParseTimeouts() (Timeouts, error) {
	var t Timeouts
	var errs []error
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", o.HandshakeTimeout, &t.Handshake},
		{"alive_timeout", o.AliveTimeout, &t.Alive},
		{"kill_timeout", o.KillTimeout, &t.Kill},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.dst = v
	}
	return t, errors.Join(errs...)
}

// Validate checks the settings that cannot be defaulted sensibly.
func (o *Options) Validate() error {
	if o.EbdDir == "" {
		return errors.New("daemon.ebd_dir must be set")
	}
	if o.BashBinary == "" {
		return errors.New("daemon.bash must be set")
	}
	switch strings.ToLower(o.Sandbox) {
	case "auto", "on", "off", "true", "false", "yes", "no", "1", "0":
	default:
		return fmt.Errorf("build.sandbox: unknown mode %q (want auto, on or off)", o.Sandbox)
	}
	if _, err := o.ParseTimeouts(); err != nil {
		return err
	}
	return nil
}
