package executor

import (
	"bytes"
	"context"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

// CommandRoute maps a class of task kinds to an external command.
type CommandRoute struct {
	// Kind is a glob over task kinds, first match wins.
	Kind string

	// Command is the argv to run. The full task record arrives on the
	// command's stdin.
	Command []string

	// Endpoint names the collaborator for the recovery policy.
	// Default: the command's base name.
	Endpoint string

	// Irreversible marks side effects that cannot be undone.
	Irreversible bool
}

// CommandAction executes approved tasks by running the first route whose
// kind glob matches. Commands report through their exit status, sysexits
// style: 0 confirmed success, 64 bad payload, 65 bad external data,
// 75 temporary failure, 77 credentials refused. Any other non-zero
// status is treated as the collaborator being unavailable.
type CommandAction struct {
	routes []CommandRoute
}

// NewCommandAction validates the routes.
func NewCommandAction(routes []CommandRoute) (*CommandAction, error) {
	if len(routes) == 0 {
		return nil, errors.InvalidInput("at least one action route is required")
	}
	out := make([]CommandRoute, len(routes))
	copy(out, routes)
	for i := range out {
		if _, err := path.Match(out[i].Kind, "probe"); err != nil {
			return nil, errors.InvalidInput("invalid action kind glob: " + out[i].Kind)
		}
		if len(out[i].Command) == 0 {
			return nil, errors.InvalidInput("action route needs a command: " + out[i].Kind)
		}
		if out[i].Endpoint == "" {
			out[i].Endpoint = filepath.Base(out[i].Command[0])
		}
	}
	return &CommandAction{routes: out}, nil
}

func (a *CommandAction) route(t *taskstore.Task) *CommandRoute {
	for i := range a.routes {
		if ok, _ := path.Match(a.routes[i].Kind, t.Kind); ok {
			return &a.routes[i]
		}
	}
	return nil
}

// Endpoint implements Action.
func (a *CommandAction) Endpoint(t *taskstore.Task) string {
	if r := a.route(t); r != nil {
		return r.Endpoint
	}
	return "unrouted"
}

// Irreversible implements Action.
func (a *CommandAction) Irreversible(t *taskstore.Task) bool {
	if r := a.route(t); r != nil {
		return r.Irreversible
	}
	return false
}

// Execute implements Action.
func (a *CommandAction) Execute(ctx context.Context, t *taskstore.Task) error {
	r := a.route(t)
	if r == nil {
		return errors.New(errors.CodeMalformedPayload, "no action route matches task kind",
			errors.WithTaskID(t.ID), errors.WithMetadata("kind", t.Kind))
	}

	record, err := taskstore.EncodeRecord(t)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Stdin = bytes.NewReader(record)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}
	// An interrupted command may or may not have acted. Freeze rather
	// than guess.
	if ctx.Err() != nil {
		return errors.Ambiguous("action interrupted before its outcome was known",
			errors.WithTaskID(t.ID), errors.WithEndpoint(r.Endpoint),
			errors.WithCause(ctx.Err()))
	}

	opts := []errors.Option{
		errors.WithTaskID(t.ID),
		errors.WithEndpoint(r.Endpoint),
		errors.WithCause(runErr),
	}
	if tail := stderrTail(stderr.String()); tail != "" {
		opts = append(opts, errors.WithMetadata("stderr", tail))
	}

	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return errors.New(errors.CodeUnavailable, "action command could not start", opts...)
	}
	switch exitErr.ExitCode() {
	case 64: // EX_USAGE
		return errors.New(errors.CodeMalformedPayload, "action rejected the task payload", opts...)
	case 65: // EX_DATAERR
		return errors.New(errors.CodeParseFailure, "action could not parse external data", opts...)
	case 75: // EX_TEMPFAIL
		return errors.New(errors.CodeUnavailable, "action reported a temporary failure", opts...)
	case 77: // EX_NOPERM
		return errors.New(errors.CodeCredentialsExpired, "action was refused by its collaborator", opts...)
	default:
		return errors.New(errors.CodeUnavailable, "action command failed", opts...)
	}
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const max = 256
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
