package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DaemonScript is the bash entry point inside EbdDir.
const DaemonScript = "ebuild-daemon.bash"

// invalidRC keeps bash from sourcing any rc file, whichever spawn path is taken.
const invalidRC = "/etc/ebd/not/a/valid/rc"

// SandboxMode selects whether a daemon runs under the sandbox wrapper.
type SandboxMode int

// Sandbox modes.
const (
	SandboxAuto SandboxMode = iota // Use the sandbox when the host supports it
	SandboxOff
	SandboxOn
)

func (m SandboxMode) String() string {
	switch m {
	case SandboxOff:
		return "off"
	case SandboxOn:
		return "on"
	default:
		return "auto"
	}
}

// ParseSandboxMode parses auto/on/off and boolean spellings.
func ParseSandboxMode(s string) (SandboxMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return SandboxAuto, nil
	case "on", "true", "yes", "1":
		return SandboxOn, nil
	case "off", "false", "no", "0":
		return SandboxOff, nil
	}
	return SandboxAuto, fmt.Errorf("unknown sandbox mode %q", s)
}

// SandboxCapable reports whether the sandbox wrapper is installed and executable.
func (o Options) SandboxCapable() bool {
	if o.SandboxBinary == "" {
		return false
	}
	fi, err := os.Stat(o.SandboxBinary)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0o111 != 0
}

// daemon is the OS side of a processor.
type daemon interface {
	Pid() int
	// Running checks the process table without touching the pipes.
	Running() bool
	// SignalGroup signals the daemon's whole process group.
	SignalGroup(sig syscall.Signal) error
	// Done is closed once the daemon has been reaped.
	Done() <-chan struct{}
}

// osDaemon is a daemon started through os/exec.
type osDaemon struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startDaemon(cmd *exec.Cmd) (*osDaemon, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	d := &osDaemon{cmd: cmd, done: make(chan struct{})}
	go func() {
		d.err = cmd.Wait()
		close(d.done)
	}()
	return d, nil
}

func (d *osDaemon) Pid() int { return d.cmd.Process.Pid }

func (d *osDaemon) Running() bool {
	select {
	case <-d.done:
		return false
	default:
	}
	err := unix.Kill(d.Pid(), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (d *osDaemon) SignalGroup(sig syscall.Signal) error {
	err := unix.Kill(-d.Pid(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (d *osDaemon) Done() <-chan struct{} { return d.done }

// maxFDLimit caps the descriptor ceiling the daemon pipes are placed under.
func maxFDLimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil || rl.Cur > 1024 {
		return 1024
	}
	return int(rl.Cur)
}

// truthy reports whether an integer toggle is set to a non-zero value.
func truthy(v string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return err == nil && n != 0
}

// daemonEnv builds the daemon's complete environment. Nothing else from the
// host environment leaks into it.
func daemonEnv(opts Options, sandbox bool, getenv func(string) string, maxFD int) []string {
	env := []string{
		"BASHRC=" + invalidRC,
		"BASH_ENV=" + invalidRC,
	}
	for _, key := range []string{"PKGCORE_PERF_DEBUG", "PKGCORE_DEBUG", "PKGCORE_NOCOLOR"} {
		if v := getenv(key); truthy(v) {
			env = append(env, key+"="+v)
			if key == "PKGCORE_NOCOLOR" && sandbox {
				env = append(env, "NOCOLOR="+v)
			}
		}
	}

	path := make([]string, 0, len(opts.PathPrepend)+1)
	for _, p := range append(append([]string{}, opts.PathPrepend...), getenv("PATH")) {
		if p != "" {
			path = append(path, p)
		}
	}
	env = append(env,
		"PATH="+strings.Join(path, ":"),
		"PKGCORE_EBD_READ_FD="+strconv.Itoa(maxFD-4),
		"PKGCORE_EBD_WRITE_FD="+strconv.Itoa(maxFD-3),
	)
	return env
}

// credentialFor returns the identity a daemon runs as. A root controller
// without userpriv keeps uid 0 but joins the build group.
func credentialFor(userpriv bool, uid, gid uint32, euid int) *syscall.Credential {
	if userpriv {
		return &syscall.Credential{Uid: uid, Gid: gid, Groups: []uint32{gid}}
	}
	if euid == 0 {
		return &syscall.Credential{Uid: 0, Gid: gid, Groups: []uint32{0, gid}}
	}
	return nil
}

// daemonArgv returns the command line for a daemon.
func daemonArgv(opts Options, sandbox bool) []string {
	argv := []string{opts.BashBinary, filepath.Join(opts.EbdDir, DaemonScript), "daemonize"}
	if sandbox {
		argv = append([]string{opts.SandboxBinary}, argv...)
	}
	return argv
}

// Spawn starts a daemon and completes its handshake.
// Errors wrap ErrInitialization; the daemon is torn down on failure.
func Spawn(ctx context.Context, opts Options, userpriv, sandbox bool) (*Processor, error) {
	opts = opts.withDefaults()
	if sandbox && !opts.SandboxCapable() {
		return nil, fmt.Errorf("%w: spawn lacks sandbox capabilities", ErrInitialization)
	}

	// cread/cwrite carry commands to the daemon, dread/dwrite replies back.
	cread, cwrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	dread, dwrite, err := os.Pipe()
	if err != nil {
		cread.Close()
		cwrite.Close()
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	// The pipes sit just under the fd ceiling so nothing the daemon opens
	// collides with them; start at max-4 to dodge older bash fd reuse.
	maxFD := maxFDLimit()
	extra := make([]*os.File, maxFD-3-3+1)
	extra[maxFD-4-3] = cread
	extra[maxFD-3-3] = dwrite

	argv := daemonArgv(opts, sandbox)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.EbdDir
	cmd.Env = daemonEnv(opts, sandbox, os.Getenv, maxFD)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: credentialFor(userpriv, opts.BuildUID, opts.BuildGID, os.Geteuid()),
	}

	d, err := startDaemon(cmd)
	cread.Close()
	dwrite.Close()
	if err != nil {
		cwrite.Close()
		dread.Close()
		opts.Logger.Error("Failed to start daemon", "error", err, "argv", argv)
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	p := newProcessor(uuid.NewString(), d, dread, cwrite, opts, userpriv, sandbox)
	p.logger.Info("Daemon started", "argv", argv)

	if err := p.handshake(ctx); err != nil {
		p.logger.Error("Handshake failed, bailing", "error", err)
		p.abort()
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	return p, nil
}
