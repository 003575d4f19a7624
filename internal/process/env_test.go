package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBuildEnvText(t *testing.T) {
	tests := []struct {
		name       string
		env        Env
		dontExport map[string]bool
		want       string
	}{
		{
			name: "alphanumeric unquoted",
			env:  Env{"PV": "10"},
			want: "PV=10",
		},
		{
			name: "spaces single quoted",
			env:  Env{"DESCRIPTION": "a text editor"},
			want: "DESCRIPTION='a text editor'",
		},
		{
			name: "empty string quoted",
			env:  Env{"EMPTY": ""},
			want: "EMPTY=''",
		},
		{
			name: "single quote uses ansi-c quoting",
			env:  Env{"MSG": `it's \here`},
			want: `MSG=$'it\'s \\here'`,
		},
		{
			name: "list becomes indexed array",
			env:  Env{"A": []string{"x", "y z"}},
			want: "A=([0]=x [1]='y z')",
		},
		{
			name: "sorted keys",
			env:  Env{"B": "2", "A": "1", "C": "3"},
			want: "A=1 B=2 C=3",
		},
		{
			name: "exported on trailing line",
			env:  Env{"HOME": "/var/tmp/portage/home", "PV": "1"},
			want: "PV=1\nexport HOME='/var/tmp/portage/home'",
		},
		{
			name: "only exported",
			env:  Env{"HOME": "home"},
			want: "\nexport HOME=home",
		},
		{
			name:       "do-not-export dropped",
			env:        Env{"DISTDIR": "/d", "PV": "1"},
			dontExport: map[string]bool{"DISTDIR": true},
			want:       "PV=1",
		},
		{
			name:       "do-not-export checked before key validity",
			env:        Env{"1BAD": "x"},
			dontExport: map[string]bool{"1BAD": true},
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEnvText(tt.env, ExportedVars, tt.dontExport)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildEnvTextErrors(t *testing.T) {
	_, err := BuildEnvText(Env{"1ABC": "x"}, nil, nil)
	var ke *EnvKeyError
	if !errors.As(err, &ke) || ke.Key != "1ABC" {
		t.Errorf("digit key: got %v", err)
	}

	_, err = BuildEnvText(Env{"_X": "x"}, nil, nil)
	if !errors.As(err, &ke) {
		t.Errorf("underscore key: got %v", err)
	}

	_, err = BuildEnvText(Env{"N": 42}, nil, nil)
	var ve *EnvValueError
	if !errors.As(err, &ve) || ve.Key != "N" {
		t.Errorf("int value: got %v", err)
	}
}

// TestBuildEnvTextBashRoundTrip sources the generated text in bash and
// reads every variable back.
func TestBuildEnvTextBashRoundTrip(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}

	env := Env{
		"PV":        "1.0",
		"PLAIN":     "abc123",
		"SPACES":    "a b  c",
		"QUOTE":     "it's",
		"BACKSLASH": `C:\new\table 'x'`,
		"NEWLINE":   "line1\nline2",
		"DOLLAR":    "$HOME `id` $(id)",
		"EMPTY":     "",
		"LIST":      []string{"one", "two words", "it's", `back\slash`, ""},
		"HOME":      "/var/tmp/home dir",
		"HIDDEN":    "must not appear",
	}
	dontExport := map[string]bool{"HIDDEN": true}

	text, err := BuildEnvText(env, ExportedVars, dontExport)
	if err != nil {
		t.Fatal(err)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var script strings.Builder
	script.WriteString(text + "\n")
	for _, k := range keys {
		// count, then each element, NUL separated; unset variables report -1
		script.WriteString("if [[ -v " + k + " ]]; then printf '%s\\0' \"${#" + k + "[@]}\" \"${" + k + "[@]}\"; else printf -- '-1\\0'; fi\n")
	}

	cmd := exec.Command(bash, "--noprofile", "--norc", "-c", script.String())
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("bash failed: %v", err)
	}

	fields := strings.Split(strings.TrimSuffix(string(out), "\x00"), "\x00")
	i := 0
	for _, k := range keys {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			t.Fatalf("%s: bad count %q", k, fields[i])
		}
		i++
		if dontExport[k] {
			if n != -1 {
				t.Errorf("%s should be absent", k)
				i += max(n, 0)
			}
			continue
		}
		got := fields[i : i+n]
		i += n

		switch want := env[k].(type) {
		case string:
			if n != 1 || got[0] != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		case []string:
			if strings.Join(got, "\x01") != strings.Join(want, "\x01") || n != len(want) {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
	}
}

func TestSendEnvInline(t *testing.T) {
	received := make(chan string, 1)
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		line, _ := c.readLine()
		size, ok := strings.CutPrefix(line, "start_receiving_env bytes ")
		if !ok {
			t.Errorf("daemon: got %q", line)
			return
		}
		n, _ := strconv.Atoi(size)
		data, _ := c.readN(n)
		received <- data
		c.send("env_received")
	}))

	ok, err := p.SendEnv(Env{"PV": "1.0", "HOME": "/home"}, "")
	if !ok || err != nil {
		t.Fatalf("SendEnv: ok=%v err=%v", ok, err)
	}
	if got := <-received; got != "PV='1.0'\nexport HOME='/home'" {
		t.Errorf("payload = %q", got)
	}
}

func TestSendEnvLargeUsesFile(t *testing.T) {
	tmpdir := t.TempDir()
	big := strings.Repeat("x", 10<<20)

	lines := make(chan string, 1)
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		line, _ := c.readLine()
		lines <- line
		c.send("env_received")
	}))

	ok, err := p.SendEnv(Env{"BIG": big}, tmpdir)
	if !ok || err != nil {
		t.Fatalf("SendEnv: ok=%v err=%v", ok, err)
	}

	path := filepath.Join(tmpdir, EnvTransferFile)
	select {
	case line := <-lines:
		if line != "start_receiving_env file "+path {
			t.Errorf("command = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("no command received")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("BIG="+big)) {
		t.Errorf("file holds %d bytes, want %d", len(data), len(big)+4)
	}
}

func TestSendEnvRejected(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		line, _ := c.readLine()
		size := strings.TrimPrefix(line, "start_receiving_env bytes ")
		n, _ := strconv.Atoi(size)
		c.readN(n)
		c.send("env_receiving_failed")
	}))

	ok, err := p.SendEnv(Env{"PV": "1"}, "")
	if ok || err != nil {
		t.Errorf("got ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestSendEnvDropsDontExport(t *testing.T) {
	received := make(chan string, 1)
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		line, _ := c.readLine()
		n, _ := strconv.Atoi(strings.TrimPrefix(line, "start_receiving_env bytes "))
		data, _ := c.readN(n)
		received <- data
		c.send("env_received")
	}))
	p.dontExport["DISTDIR"] = true

	if _, err := p.SendEnv(Env{"DISTDIR": "/x", "PV": "1"}, ""); err != nil {
		t.Fatal(err)
	}
	if got := <-received; got != "PV=1" {
		t.Errorf("payload = %q", got)
	}
}
