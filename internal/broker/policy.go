package broker

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/octovalve/octovalve/internal/protocol"
)

// Whitelist is the compiled policy gate: a deny set consulted for every
// pipeline stage, and an allow set plus per-command argument rules driving
// the auto-approve fast path. Commands match either exactly or by basename,
// so "/bin/rm" is caught by a "rm" entry.
type Whitelist struct {
	allowed  map[string]struct{}
	denied   map[string]struct{}
	argRules map[string]*regexp.Regexp
}

// NewWhitelist compiles the configured policy. Invalid argument-rule
// regexes fail loading rather than silently passing everything.
func NewWhitelist(cfg WhitelistConfig) (*Whitelist, error) {
	w := &Whitelist{
		allowed:  make(map[string]struct{}, len(cfg.Allowed)),
		denied:   make(map[string]struct{}, len(cfg.Denied)),
		argRules: make(map[string]*regexp.Regexp, len(cfg.ArgRules)),
	}
	for _, cmd := range cfg.Allowed {
		w.allowed[cmd] = struct{}{}
	}
	for _, cmd := range cfg.Denied {
		w.denied[cmd] = struct{}{}
	}
	for cmd, pattern := range cfg.ArgRules {
		rule, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex for %s: %w", cmd, err)
		}
		w.argRules[cmd] = rule
	}
	return w, nil
}

// ValidateDeny rejects a stage whose command (or its basename) is denied.
func (w *Whitelist) ValidateDeny(stage protocol.CommandStage) error {
	command := stage.Command()
	if command == "" {
		return fmt.Errorf("empty command")
	}
	if w.isDenied(command) {
		return fmt.Errorf("command denied: %s", command)
	}
	return nil
}

// ValidateAllow accepts a stage only when its command is in the allow set
// and every non-leading argument satisfies the command's arg rule, if any.
func (w *Whitelist) ValidateAllow(stage protocol.CommandStage) error {
	command := stage.Command()
	if command == "" {
		return fmt.Errorf("empty command")
	}
	if !w.isAllowed(command) {
		return fmt.Errorf("command not allowed: %s", command)
	}

	rule := w.argRules[command]
	if rule == nil {
		rule = w.argRules[basename(command)]
	}
	if rule != nil {
		for _, arg := range stage.Argv[1:] {
			if !rule.MatchString(arg) {
				return fmt.Errorf("argument rejected: %s", arg)
			}
		}
	}
	return nil
}

// AllowsRequest reports whether every pipeline stage passes the allow-list
// and arg rules; this is the auto-approve fast path. Shell-mode requests
// (empty pipeline) never qualify.
func (w *Whitelist) AllowsRequest(request protocol.CommandRequest) bool {
	if len(w.allowed) == 0 || len(request.Pipeline) == 0 {
		return false
	}
	for _, stage := range request.Pipeline {
		if err := w.ValidateAllow(stage); err != nil {
			return false
		}
	}
	return true
}

func (w *Whitelist) isAllowed(command string) bool {
	if _, ok := w.allowed[command]; ok {
		return true
	}
	_, ok := w.allowed[basename(command)]
	return ok
}

func (w *Whitelist) isDenied(command string) bool {
	if _, ok := w.denied[command]; ok {
		return true
	}
	_, ok := w.denied[basename(command)]
	return ok
}

func basename(command string) string {
	return filepath.Base(command)
}
