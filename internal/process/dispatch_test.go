package process

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantKind commandKind
		wantWord string
		wantArg  string
		wantErr  bool
	}{
		{line: "phases succeeded", wantKind: cmdPhases, wantWord: "phases", wantArg: "succeeded"},
		{line: "  phases\tfailed  ", wantKind: cmdPhases, wantWord: "phases", wantArg: "failed"},
		{line: "request_sandbox_summary /tmp/log", wantKind: cmdSandboxSummary, wantWord: "request_sandbox_summary", wantArg: "/tmp/log"},
		{line: "killed", wantKind: cmdKilled, wantWord: "killed"},
		{line: "term ebd", wantKind: cmdTerm, wantWord: "term", wantArg: "ebd"},
		{line: "prob oops", wantKind: cmdFailure, wantWord: "prob", wantArg: "oops"},
		{line: "env_receiving_failed", wantKind: cmdFailure, wantWord: "env_receiving_failed"},
		{line: "failed", wantKind: cmdFailure, wantWord: "failed"},
		{line: "key DESCRIPTION=a b c", wantKind: cmdUnknown, wantWord: "key", wantArg: "DESCRIPTION=a b c"},
		{line: "", wantErr: true},
		{line: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := parseCommand(tt.line)
			if tt.wantErr {
				var ie *InternalError
				if !errors.As(err, &ie) {
					t.Fatalf("got %v, want InternalError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cmd.kind != tt.wantKind || cmd.word != tt.wantWord || cmd.arg != tt.wantArg {
				t.Errorf("got {%v %q %q}, want {%v %q %q}", cmd.kind, cmd.word, cmd.arg, tt.wantKind, tt.wantWord, tt.wantArg)
			}
		})
	}
}

func TestGenericHandlerPhases(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"phases succeeded", true},
		{"phases SUCCEEDED", true},
		{"phases   Succeeded  ", true},
		{"phases failed", false},
		{"phases", false},
		{"term build", false},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
				c.send(tt.reply)
			}))

			got, err := p.GenericHandler(nil)
			if err != nil {
				t.Fatalf("GenericHandler: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if p.Locked() {
				t.Error("processor should be unlocked after a stop")
			}
		})
	}
}

func TestGenericHandlerUnhandledCommand(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.send("frobnicate the widgets")
	}))

	_, err := p.GenericHandler(nil)
	var uc *UnhandledCommandError
	if !errors.As(err, &uc) {
		t.Fatalf("got %v, want UnhandledCommandError", err)
	}
	if uc.Line != "frobnicate the widgets" {
		t.Errorf("Line = %q, want the offending line verbatim", uc.Line)
	}
	if !p.Locked() {
		t.Error("processor must stay locked after a protocol error")
	}
}

func TestGenericHandlerFailureAliases(t *testing.T) {
	for _, word := range []string{"prob", "env_receiving_failed", "failed"} {
		t.Run(word, func(t *testing.T) {
			p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
				c.send(word + " something broke")
			}))

			_, err := p.GenericHandler(nil)
			var uc *UnhandledCommandError
			if !errors.As(err, &uc) {
				t.Fatalf("got %v, want UnhandledCommandError", err)
			}
			if uc.Line != "something broke" {
				t.Errorf("Line = %q", uc.Line)
			}
		})
	}
}

func TestGenericHandlerEmptyLine(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.send("")
	}))

	_, err := p.GenericHandler(nil)
	var ie *InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("got %v, want InternalError", err)
	}
}

func TestGenericHandlerExtraHandlers(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.send("progress 10", "progress 20", "phases succeeded")
	}))

	var seen []string
	got, err := p.GenericHandler(Handlers{
		"progress": func(_ *Processor, arg string) error {
			seen = append(seen, arg)
			return nil
		},
		// overrides the built-in
		"phases": func(_ *Processor, arg string) error {
			return Stop(arg == "succeeded" && len(seen) == 2)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Errorf("got false, seen=%v", seen)
	}
}

func TestGenericHandlerHandlerError(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.send("boom")
	}))

	want := errors.New("handler exploded")
	_, err := p.GenericHandler(Handlers{"boom": func(*Processor, string) error { return want }})
	if !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}
}

func TestGenericHandlerDrainsAsyncExpects(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.readLine()
		c.send("env_received", "phases succeeded")
	}))

	if err := p.write("start_receiving_env bytes 0", false); err != nil {
		t.Fatal(err)
	}
	_, _ = p.Expect("env_received", ExpectOptions{Async: true, Flush: true})

	got, err := p.GenericHandler(nil)
	if err != nil || !got {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestGenericHandlerAsyncOutOfAlignment(t *testing.T) {
	p, _ := newFakeProcessor(t, testOptions(), false, false, then(func(c *fakeConn, _ *fakeDaemon) {
		c.readLine()
		c.send("env_receiving_failed")
	}))

	if err := p.write("start_receiving_env bytes 0", false); err != nil {
		t.Fatal(err)
	}
	_, _ = p.Expect("env_received", ExpectOptions{Async: true, Flush: true})

	_, err := p.GenericHandler(nil)
	var uc *UnhandledCommandError
	if !errors.As(err, &uc) || uc.Line != "expects out of alignment" {
		t.Errorf("got %v, want expects out of alignment", err)
	}
}
