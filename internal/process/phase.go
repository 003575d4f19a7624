package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/smazurov/ebd/internal/ebuild"
	"github.com/smazurov/ebd/internal/events"
	"github.com/smazurov/ebd/internal/metrics"
)

// PhaseRequest describes one phase run.
type PhaseRequest struct {
	Phase string
	Env   Env
	// Tmpdir routes the environment through a file when set.
	Tmpdir string
	// Logfile is where a sandboxed daemon logs phase output (optional).
	Logfile string
	Sandbox bool
	// Extra handlers for daemon commands (optional).
	Extra Handlers
}

// RunPhase prepares the daemon for a phase, starts it and services the
// daemon until it reports the phase outcome.
func (p *Processor) RunPhase(ctx context.Context, req PhaseRequest) (bool, error) {
	start := time.Now()
	ok, err := p.runPhase(ctx, req)
	d := time.Since(start)

	metrics.ObservePhase(req.Phase, ok && err == nil, d)
	ev := events.PhaseFinishedEvent{
		ProcessorID: p.id,
		Phase:       req.Phase,
		Succeeded:   ok && err == nil,
		Duration:    d,
		Timestamp:   time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.events.Publish(ev)
	p.logger.Info("Phase finished", "phase", req.Phase, "succeeded", ev.Succeeded, "duration", d)
	return ok, err
}

func (p *Processor) runPhase(ctx context.Context, req PhaseRequest) (bool, error) {
	stop := p.watchContext(ctx)
	defer stop()

	if err := p.Write("process_ebuild " + req.Phase); err != nil {
		return false, err
	}
	if ok, err := p.SendEnv(req.Env, req.Tmpdir); !ok || err != nil {
		return false, p.ctxErr(ctx, err)
	}
	sandbox := 0
	if req.Sandbox {
		sandbox = 1
	}
	if err := p.Write("set_sandbox_state " + strconv.Itoa(sandbox)); err != nil {
		return false, err
	}
	if req.Logfile != "" {
		if ok, err := p.SetLogfile(req.Logfile); !ok || err != nil {
			return false, p.ctxErr(ctx, err)
		}
	}
	if err := p.Write("start_processing"); err != nil {
		return false, err
	}
	ok, err := p.GenericHandler(req.Extra)
	return ok, p.ctxErr(ctx, err)
}

// ctxErr prefers the context's error when ctx ended the wait.
func (p *Processor) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// SetLogfile tells a sandboxed daemon where to log phase output.
func (p *Processor) SetLogfile(path string) (bool, error) {
	if err := p.Write("logging " + path); err != nil {
		return false, err
	}
	return p.Expect("logging_ack", ExpectOptions{})
}

// SetMetadataPaths sets the search path for programs metadata phases may
// run. Empty entries are dropped; resending an unchanged path is skipped.
func (p *Processor) SetMetadataPaths(paths []string) (bool, error) {
	if p.metadataSet && slices.Equal(p.metadataPaths, paths) {
		return true, nil
	}
	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		if path != "" {
			kept = append(kept, path)
		}
	}
	data := strings.Join(kept, ":")
	if err := p.writeRaw(fmt.Sprintf("set_metadata_path %d\n%s", len(data), data), false); err != nil {
		return false, err
	}
	ok, err := p.Expect("metadata_path_received", ExpectOptions{Flush: true})
	if ok && err == nil {
		p.metadataPaths = slices.Clone(paths)
		p.metadataSet = true
	}
	return ok, err
}

// runDependLike runs a metadata phase. No external programs may run during
// it, so the metadata search path is pinned to /dev/null.
func (p *Processor) runDependLike(ctx context.Context, command string, pkg *ebuild.Package, cache EclassCache, extra Handlers) error {
	stop := p.watchContext(ctx)
	defer stop()

	ok, err := p.SetMetadataPaths([]string{"/dev/null"})
	if err != nil {
		return p.ctxErr(ctx, err)
	}
	if !ok {
		return fmt.Errorf("%s for %s: daemon rejected metadata path", command, pkg)
	}

	env := ebuild.ExpectedEnv(pkg, ebuild.EnvOptions{
		Depends:     true,
		HelpersDir:  p.opts.HelpersDir,
		PathPrepend: p.opts.PathPrepend,
	})
	text, err := p.envText(EnvFromStrings(env))
	if err != nil {
		return err
	}
	if err := p.writeRaw(fmt.Sprintf("%s %d\n%s", command, len(text), text), true); err != nil {
		return err
	}

	var updates map[string]bool
	if p.eclassCaching {
		updates = make(map[string]bool)
	}
	handlers := maps.Clone(extra)
	if handlers == nil {
		handlers = make(Handlers)
	}
	handlers["request_inherit"] = InheritHandler(cache, updates)

	ok, err = p.GenericHandler(handlers)
	if err != nil {
		return p.ctxErr(ctx, err)
	}
	if !ok {
		p.logger.Debug("Metadata phase failed", "command", command, "package", pkg.String())
		return fmt.Errorf("%s for %s: daemon reported failure", command, pkg)
	}

	if len(updates) > 0 {
		names := slices.Sorted(maps.Keys(updates))
		if _, err := p.PreloadEclasses(cache, true, names); err != nil {
			return err
		}
	}
	return nil
}

// GetKeys regenerates the metadata keys of pkg.
func (p *Processor) GetKeys(ctx context.Context, pkg *ebuild.Package, cache EclassCache) (map[string]string, error) {
	keys := make(map[string]string)
	receiveKey := func(_ *Processor, arg string) error {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return Stop(true)
		}
		keys[k] = v
		return nil
	}

	if err := p.runDependLike(ctx, "gen_metadata", pkg, cache, Handlers{"key": receiveKey}); err != nil {
		return nil, err
	}
	return keys, nil
}

// GetEbuildEnvironment returns the environment dump of pkg after metadata
// sourcing, with surrounding whitespace trimmed.
func (p *Processor) GetEbuildEnvironment(ctx context.Context, pkg *ebuild.Package, cache EclassCache) (string, error) {
	var environ *string
	receiveEnv := func(ebp *Processor, arg string) error {
		if environ != nil {
			return &InternalError{Line: arg, Msg: "receive_env was invoked twice"}
		}
		size := strings.TrimSpace(arg)
		if size == "" {
			return &InternalError{Line: arg, Msg: "during env receive, ebd didn't give us a size"}
		}
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return &InternalError{Line: arg, Msg: "returned size wasn't an integer"}
		}
		data, err := ebp.readRaw(n)
		if err != nil {
			return err
		}
		environ = &data
		return nil
	}

	if err := p.runDependLike(ctx, "gen_ebuild_env", pkg, cache, Handlers{"receive_env": receiveEnv}); err != nil {
		return "", err
	}
	if environ == nil {
		return "", &InternalError{Msg: "receive_env was never invoked"}
	}
	return strings.TrimSpace(*environ), nil
}

var summaryColor = color.New(color.FgRed, color.OpBold)

// summaryLine colours s unconditionally. The text goes to the daemon, not our
// terminal, so local colour detection does not apply.
func summaryLine(s string) string {
	return fmt.Sprintf(color.FullColorTpl, summaryColor.Code(), s)
}

// SandboxSummary reports the sandbox access violations of the last phase
// to the daemon. It returns 1 when violations were reported, else 0. When
// moveLog is set the violations are also written there.
func (p *Processor) SandboxSummary(moveLog string) (int, error) {
	violations, err := readViolations(p.sandboxLog)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Failed to read sandbox log", "path", p.sandboxLog, "error", err)
		}
		return 0, p.Write("end_sandbox_summary")
	}
	if len(violations) == 0 {
		return 0, p.Write("end_sandbox_summary")
	}

	if moveLog == "" {
		moveLog = p.sandboxLog
	} else if moveLog != p.sandboxLog {
		if err := os.WriteFile(moveLog, []byte(strings.Join(violations, "\n")+"\n"), 0o644); err != nil {
			p.logger.Error("Failed to copy sandbox log", "path", moveLog, "error", err)
		}
	}

	lines := []string{
		summaryLine("--------------------------- ACCESS VIOLATION SUMMARY ---------------------------") + "\n",
		summaryLine(fmt.Sprintf("LOG FILE = %q", moveLog)) + "\n\n",
	}
	for _, v := range violations {
		lines = append(lines, v+"\n")
	}
	lines = append(lines,
		summaryLine("--------------------------------------------------------------------------------")+"\n",
		"end_sandbox_summary",
	)
	for _, line := range lines {
		if err := p.write(line, false); err != nil {
			return 0, err
		}
	}
	if err := p.flush(); err != nil {
		return 0, err
	}

	if err := os.Remove(p.sandboxLog); err != nil {
		p.logger.Error("Exception caught when cleansing sandbox log", "path", p.sandboxLog, "error", err)
	}
	return 1, nil
}

// readViolations returns the non-blank lines of the sandbox log.
func readViolations(path string) ([]string, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
