package process

import (
	"strings"
	"unicode"
)

// Handler services one daemon command. arg is the remainder of the line
// after the command word, or "" when there is none. Returning Stop(v) ends
// the GenericHandler loop with v; any other error aborts it.
type Handler func(p *Processor, arg string) error

// Handlers maps command words to handlers. Entries override the built-ins.
type Handlers map[string]Handler

type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdPhases
	cmdSandboxSummary
	cmdKilled
	cmdTerm
	cmdFailure
)

// command is one parsed daemon line.
type command struct {
	kind commandKind
	word string
	arg  string
	raw  string
}

// parseCommand splits a line into its command word and remainder.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, &InternalError{Line: line, Msg: "expected command; instead got nothing"}
	}
	word, arg := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		word, arg = line[:i], strings.TrimSpace(line[i:])
	}
	cmd := command{word: word, arg: arg, raw: line}
	switch word {
	case "phases":
		cmd.kind = cmdPhases
	case "request_sandbox_summary":
		cmd.kind = cmdSandboxSummary
	case "killed":
		cmd.kind = cmdKilled
	case "term":
		cmd.kind = cmdTerm
	case "prob", "env_receiving_failed", "failed":
		cmd.kind = cmdFailure
	default:
		cmd.kind = cmdUnknown
	}
	return cmd, nil
}

// GenericHandler services daemon requests until a handler stops the loop,
// returning the stop value. The processor stays locked if an error ends the
// loop, so the pool will not reuse it.
func (p *Processor) GenericHandler(extra Handlers) (bool, error) {
	p.Lock()

	if len(p.outstanding) > 0 {
		ok, err := p.consumeAsyncExpects()
		if err != nil {
			return false, err
		}
		if !ok {
			p.logger.Error("Error in daemon, async expects out of alignment")
			return false, &UnhandledCommandError{Line: "expects out of alignment"}
		}
	}

	for {
		line, err := p.readLine()
		if err == nil {
			var cmd command
			cmd, err = parseCommand(line)
			if err == nil {
				err = p.dispatch(cmd, extra)
			}
		}
		if err == nil {
			continue
		}
		if v, ok := stopValue(err); ok {
			p.Unlock()
			return v, nil
		}
		return false, err
	}
}

func (p *Processor) dispatch(cmd command, extra Handlers) error {
	if h, ok := extra[cmd.word]; ok {
		return h(p, cmd.arg)
	}

	switch cmd.kind {
	case cmdPhases:
		return Stop(strings.EqualFold(cmd.arg, "succeeded"))
	case cmdSandboxSummary:
		_, err := p.SandboxSummary(cmd.arg)
		return err
	case cmdKilled, cmdTerm:
		return p.intercept(cmd.raw)
	case cmdFailure:
		return &UnhandledCommandError{Line: cmd.arg}
	default:
		p.logger.Error("Unhandled command", "command", cmd.word, "line", cmd.raw)
		return &UnhandledCommandError{Line: cmd.raw}
	}
}
