// Package console merges operator input and programmatic commands into the
// worker's stdin, handling a few wrapper commands locally.
package console

import (
	"context"
	"strings"
)

// Verdict tells the bridge what to do with an intercepted line.
type Verdict int

const (
	// Forward passes the line to the worker unchanged.
	Forward Verdict = iota
	// Swallow keeps the line from the worker.
	Swallow
	// Terminate keeps the line from the worker and ends the bridge for the
	// current generation.
	Terminate
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Swallow:
		return "swallow"
	case Terminate:
		return "terminate"
	}
	return "unknown"
}

type Action func(ctx context.Context) error

// Actions are the local handlers for wrapper commands. A nil action leaves
// the command to the worker.
type Actions struct {
	Reload  Action
	Save    Action
	Backup  Action
	Restart Action
	Stop    Action
}

type rule struct {
	name   string
	action func(Actions) Action
	// compat lets the worker see the command as well when compat mode is on.
	compat  bool
	verdict Verdict
}

var rules = []rule{
	{name: "reload", action: func(a Actions) Action { return a.Reload }, compat: true, verdict: Swallow},
	{name: "save-all", action: func(a Actions) Action { return a.Save }, compat: true, verdict: Swallow},
	{name: "backup", action: func(a Actions) Action { return a.Backup }, verdict: Swallow},
	{name: "restart", action: func(a Actions) Action { return a.Restart }, verdict: Terminate},
	{name: "stop", action: func(a Actions) Action { return a.Stop }, verdict: Terminate},
}

type Interceptor struct {
	actions Actions
	compat  func() bool
}

// NewInterceptor consults compat on every line so a config reload applies.
func NewInterceptor(actions Actions, compat func() bool) *Interceptor {
	if compat == nil {
		compat = func() bool { return false }
	}
	return &Interceptor{actions: actions, compat: compat}
}

// Intercept matches the first word of line, case-insensitively and with an
// optional leading slash, against the wrapper commands.
func (i *Interceptor) Intercept(line string) (Verdict, Action) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Forward, nil
	}
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	for _, r := range rules {
		if r.name != word {
			continue
		}
		action := r.action(i.actions)
		if action == nil {
			return Forward, nil
		}
		if r.compat && i.compat() {
			return Forward, action
		}
		return r.verdict, action
	}
	return Forward, nil
}
