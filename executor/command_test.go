package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

func commandTask(kind string) *taskstore.Task {
	return &taskstore.Task{
		ID:    "task-1",
		Kind:  kind,
		State: taskstore.BucketApproved,
		Payload: map[string]interface{}{
			"to": "ops@example.com",
		},
	}
}

func TestCommandActionRouting(t *testing.T) {
	action, err := NewCommandAction([]CommandRoute{
		{Kind: "mail.*", Command: []string{"true"}, Endpoint: "smtp", Irreversible: true},
		{Kind: "*", Command: []string{"true"}},
	})
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}

	if got := action.Endpoint(commandTask("mail.reply")); got != "smtp" {
		t.Errorf("Endpoint(mail.reply) = %q", got)
	}
	if !action.Irreversible(commandTask("mail.reply")) {
		t.Error("mail route not irreversible")
	}
	if got := action.Endpoint(commandTask("calendar.update")); got != "true" {
		t.Errorf("fallback endpoint = %q", got)
	}
	if action.Irreversible(commandTask("calendar.update")) {
		t.Error("fallback route marked irreversible")
	}
}

func TestCommandActionUnroutedKindIsLogicError(t *testing.T) {
	action, err := NewCommandAction([]CommandRoute{
		{Kind: "mail.*", Command: []string{"true"}},
	})
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}

	execErr := action.Execute(context.Background(), commandTask("disk.cleanup"))
	if execErr == nil {
		t.Fatal("unrouted kind executed")
	}
	if errors.GetCategory(execErr) != errors.CategoryLogic {
		t.Errorf("category = %v, want logic", errors.GetCategory(execErr))
	}
}

func TestCommandActionReceivesRecordOnStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stdin.txt")
	action, err := NewCommandAction([]CommandRoute{
		{Kind: "*", Command: []string{"sh", "-c", "cat > " + out}},
	})
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}

	if err := action.Execute(context.Background(), commandTask("mail.reply")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read captured stdin: %v", err)
	}
	if !strings.Contains(string(data), "task-1") {
		t.Errorf("record missing task id:\n%s", data)
	}
}

func TestCommandActionExitStatusClassification(t *testing.T) {
	cases := []struct {
		exit string
		code errors.Code
	}{
		{"64", errors.CodeMalformedPayload},
		{"65", errors.CodeParseFailure},
		{"75", errors.CodeUnavailable},
		{"77", errors.CodeCredentialsExpired},
		{"1", errors.CodeUnavailable},
	}
	for _, tc := range cases {
		action, err := NewCommandAction([]CommandRoute{
			{Kind: "*", Command: []string{"sh", "-c", "echo nope >&2; exit " + tc.exit}},
		})
		if err != nil {
			t.Fatalf("NewCommandAction: %v", err)
		}
		execErr := action.Execute(context.Background(), commandTask("mail.reply"))
		if execErr == nil {
			t.Fatalf("exit %s succeeded", tc.exit)
		}
		if errors.GetCode(execErr) != tc.code {
			t.Errorf("exit %s: code = %v, want %v", tc.exit, errors.GetCode(execErr), tc.code)
		}
	}
}

func TestCommandActionInterruptionIsAmbiguous(t *testing.T) {
	action, err := NewCommandAction([]CommandRoute{
		{Kind: "*", Command: []string{"sleep", "60"}},
	})
	if err != nil {
		t.Fatalf("NewCommandAction: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	execErr := action.Execute(ctx, commandTask("mail.reply"))
	if execErr == nil {
		t.Fatal("interrupted command succeeded")
	}
	if !errors.IsAmbiguous(execErr) {
		t.Errorf("interruption classified as %v, want ambiguous", errors.GetCode(execErr))
	}
}
