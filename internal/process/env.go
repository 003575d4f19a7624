package process

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/renameio"
)

// Env maps variable names to a string or a []string (a bash indexed array).
type Env map[string]any

// EnvFromStrings converts a flat string map.
func EnvFromStrings(m map[string]string) Env {
	env := make(Env, len(m))
	for k, v := range m {
		env[k] = v
	}
	return env
}

// ExportedVars are the variables visible to programs the daemon runs.
var ExportedVars = []string{"HOME"}

// EnvTransferFile is the name SendEnv writes inside tmpdir.
const EnvTransferFile = "ebd-env-transfer"

// BuildEnvText renders env as bash assignments. Names in exported go on a
// trailing export line; names in dontExport are dropped. Keys are emitted in
// sorted order.
func BuildEnvText(env Env, exported []string, dontExport map[string]bool) (string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var internal, exports []string
	for _, key := range keys {
		if dontExport[key] {
			continue
		}
		if r := []rune(key); len(r) == 0 || !unicode.IsLetter(r[0]) {
			return "", &EnvKeyError{Key: key}
		}

		var assign string
		switch v := env[key].(type) {
		case string:
			assign = key + "=" + quoteValue(v)
		case []string:
			elems := make([]string, len(v))
			for i, e := range v {
				elems[i] = "[" + strconv.Itoa(i) + "]=" + quoteValue(e)
			}
			assign = key + "=(" + strings.Join(elems, " ") + ")"
		default:
			return "", &EnvValueError{Key: key, Value: v}
		}

		if slices.Contains(exported, key) {
			exports = append(exports, assign)
		} else {
			internal = append(internal, assign)
		}
	}

	text := strings.Join(internal, " ")
	if len(exports) > 0 {
		text += "\nexport " + strings.Join(exports, " ")
	}
	return text, nil
}

// quoteValue quotes v so bash reads it back verbatim.
func quoteValue(v string) string {
	if isAlnum(v) {
		return v
	}
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	return "$'" + ansiCEscaper.Replace(v) + "'"
}

var ansiCEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// envText renders env for this daemon.
func (p *Processor) envText(env Env) (string, error) {
	return BuildEnvText(env, ExportedVars, p.dontExport)
}

// SendEnv transfers env to the daemon. With a tmpdir the text goes through
// a file, otherwise inline behind a byte count.
func (p *Processor) SendEnv(env Env, tmpdir string) (bool, error) {
	text, err := p.envText(env)
	if err != nil {
		return false, err
	}

	if tmpdir != "" {
		path := filepath.Join(tmpdir, EnvTransferFile)
		if err := renameio.WriteFile(path, []byte(text), 0o664); err != nil {
			return false, fmt.Errorf("writing env transfer file: %w", err)
		}
		err = p.writeRaw("start_receiving_env file "+path+"\n", false)
	} else {
		err = p.writeRaw(fmt.Sprintf("start_receiving_env bytes %d\n%s", len(text), text), false)
	}
	if err != nil {
		return false, err
	}
	return p.Expect("env_received", ExpectOptions{Flush: true})
}
