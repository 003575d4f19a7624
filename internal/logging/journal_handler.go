package logging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// journalFields names the journal fields for attributes every daemon log
// line carries, so `journalctl EBD_PROCESSOR_ID=...` follows one daemon.
// pid is the daemon's, not ours; journald sets _PID itself.
var journalFields = map[string]string{
	"processor_id": "EBD_PROCESSOR_ID",
	"pid":          "EBD_DAEMON_PID",
	"package":      "EBD_PACKAGE",
	"phase":        "EBD_PHASE",
	"module":       "EBD_MODULE",
}

// JournalHandler is a slog.Handler that sends logs to systemd journal.
type JournalHandler struct {
	level slog.Leveler
	// preset holds the fields of attributes added by WithAttrs, keyed
	// under the groups open at the time.
	preset map[string]string
	groups []string
}

// NewJournalHandler creates a new journal handler.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level, preset: map[string]string{"SYSLOG_IDENTIFIER": "ebd"}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle sends the record to the journal. MESSAGE and PRIORITY are filled
// in by journal.Send.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := h.fields(r)
	if err := journal.Send(r.Message, mapLevelToPriority(r.Level), fields); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (h *JournalHandler) fields(r slog.Record) map[string]string {
	fields := maps.Clone(h.preset)
	r.Attrs(func(attr slog.Attr) bool {
		addAttrToFields(fields, attr, h.groups)
		return true
	})
	return fields
}

// WithAttrs returns a new handler with additional attributes.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	preset := maps.Clone(h.preset)
	for _, attr := range attrs {
		addAttrToFields(preset, attr, h.groups)
	}
	return &JournalHandler{level: h.level, preset: preset, groups: h.groups}
}

// WithGroup returns a new handler with a group prefix.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{
		level:  h.level,
		preset: h.preset,
		groups: append(slices.Clip(h.groups), name),
	}
}

// mapLevelToPriority maps slog levels to journal priorities.
func mapLevelToPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalFieldName turns an attribute path into a field name journald
// accepts: upper case letters, digits and underscores, not starting with
// an underscore or digit.
func journalFieldName(groups []string, key string) string {
	if len(groups) == 0 {
		if name, ok := journalFields[key]; ok {
			return name
		}
	}
	path := key
	if len(groups) > 0 {
		path = strings.Join(groups, "_") + "_" + key
	}

	var b strings.Builder
	for _, c := range strings.ToUpper(path) {
		if 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name == "" || name[0] >= '0' && name[0] <= '9' {
		name = "EBD_" + name
	}
	return name
}

// addAttrToFields adds an slog attribute to journal fields.
func addAttrToFields(fields map[string]string, attr slog.Attr, groups []string) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		inner := groups
		// inline groups have no key
		if attr.Key != "" {
			inner = append(slices.Clip(groups), attr.Key)
		}
		for _, a := range attr.Value.Group() {
			addAttrToFields(fields, a, inner)
		}
		return
	}

	key := journalFieldName(groups, attr.Key)
	switch attr.Value.Kind() {
	case slog.KindFloat64:
		fields[key] = strconv.FormatFloat(attr.Value.Float64(), 'g', -1, 64)
	case slog.KindTime:
		fields[key] = attr.Value.Time().Format("2006-01-02T15:04:05.000Z07:00")
	default:
		fields[key] = attr.Value.String()
	}
}

// IsJournalAvailable checks if systemd journal is available.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
