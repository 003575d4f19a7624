package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJournalFieldName(t *testing.T) {
	tests := []struct {
		groups []string
		key    string
		want   string
	}{
		{nil, "processor_id", "EBD_PROCESSOR_ID"},
		{nil, "pid", "EBD_DAEMON_PID"},
		{nil, "package", "EBD_PACKAGE"},
		{nil, "error", "ERROR"},
		{nil, "eclass.dir", "ECLASS_DIR"},
		{nil, "_hidden", "HIDDEN"},
		{nil, "2nd", "EBD_2ND"},
		{nil, "", "EBD_"},
		{[]string{"phase"}, "pid", "PHASE_PID"},
		{[]string{"req", "x-y"}, "size", "REQ_X_Y_SIZE"},
	}

	for _, tt := range tests {
		if got := journalFieldName(tt.groups, tt.key); got != tt.want {
			t.Errorf("journalFieldName(%v, %q) = %q, want %q", tt.groups, tt.key, got, tt.want)
		}
	}
}

type lazyID string

func (l lazyID) LogValue() slog.Value { return slog.StringValue("resolved-" + string(l)) }

func TestJournalHandlerFields(t *testing.T) {
	h := NewJournalHandler(slog.LevelDebug).
		WithAttrs([]slog.Attr{slog.String("processor_id", "p-1"), slog.Int("pid", 4242)}).
		WithGroup("phase")

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "phase done", 0)
	r.AddAttrs(
		slog.Float64("load", 0.5),
		slog.Duration("took", 1500*time.Millisecond),
		slog.Any("id", lazyID("x")),
		slog.Group("env", slog.Bool("sandbox", true)),
		slog.Attr{},
	)
	fields := h.(*JournalHandler).fields(r)

	// attributes added before the group stay outside it
	want := map[string]string{
		"SYSLOG_IDENTIFIER": "ebd",
		"EBD_PROCESSOR_ID":  "p-1",
		"EBD_DAEMON_PID":    "4242",
		"PHASE_LOAD":        "0.5",
		"PHASE_TOOK":        "1.5s",
		"PHASE_ID":          "resolved-x",
		"PHASE_ENV_SANDBOX": "true",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%s] = %q, want %q", k, fields[k], v)
		}
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v", fields)
	}
}

func TestJournalHandlerProcessorFields(t *testing.T) {
	h := NewJournalHandler(slog.LevelInfo).WithAttrs([]slog.Attr{
		slog.String("module", "process"),
		slog.String("processor_id", "ebd-7"),
		slog.Int("pid", 99),
	})
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled at info level")
	}

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "daemon died", 0)
	r.AddAttrs(slog.String("phase", "compile"))
	fields := h.(*JournalHandler).fields(r)

	for k, v := range map[string]string{
		"EBD_MODULE":       "process",
		"EBD_PROCESSOR_ID": "ebd-7",
		"EBD_DAEMON_PID":   "99",
		"EBD_PHASE":        "compile",
	} {
		if fields[k] != v {
			t.Errorf("fields[%s] = %q, want %q", k, fields[k], v)
		}
	}
}

type failingHandler struct {
	err  error
	seen int
}

func (f *failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (f *failingHandler) Handle(context.Context, slog.Record) error {
	f.seen++
	return f.err
}
func (f *failingHandler) WithAttrs([]slog.Attr) slog.Handler { return f }
func (f *failingHandler) WithGroup(string) slog.Handler { return f }

func TestMultiHandlerJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	errJournal := errors.New("journal: socket gone")
	failing := &failingHandler{err: errJournal}
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	m := NewMultiHandler(failing, nil, text)
	err := m.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "spawned", 0))

	if !errors.Is(err, errJournal) {
		t.Errorf("Handle() = %v, want %v", err, errJournal)
	}
	if !strings.Contains(buf.String(), "spawned") {
		t.Errorf("text handler skipped after a failing handler: %q", buf.String())
	}
	if failing.seen != 1 {
		t.Errorf("failing handler saw %d records, want 1", failing.seen)
	}
}

func TestMultiHandlerEmptyDerivations(t *testing.T) {
	m := NewMultiHandler(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if m.WithAttrs(nil) != slog.Handler(m) {
		t.Error("WithAttrs(nil) allocated a new handler")
	}
	if m.WithGroup("") != slog.Handler(m) {
		t.Error(`WithGroup("") allocated a new handler`)
	}
	if err := m.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "ok", 0)); err != nil {
		t.Errorf("Handle() = %v", err)
	}
}
