package backends

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

const streamSample = `{"type":"system","subtype":"init","session_id":"5f0c1b7e-aaaa-bbbb-cccc-000000000001","tools":[]}
{"type":"assistant","message":{"content":[{"type":"text","text":"Checking the logs now."}]},"session_id":"5f0c1b7e-aaaa-bbbb-cccc-000000000001"}
this line is not json
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"VOICE_RESPONSE: The server is healthy.\nAll checks passed.","session_id":"5f0c1b7e-aaaa-bbbb-cccc-000000000001"}
`

func TestParseStreamRecordsUsesResultRecord(t *testing.T) {
	got := parseStreamRecords([]byte(streamSample))

	if !got.sawResult || got.isError {
		t.Fatalf("expected successful result record, got %+v", got)
	}
	if got.text != "VOICE_RESPONSE: The server is healthy.\nAll checks passed." {
		t.Fatalf("unexpected text %q", got.text)
	}
	if got.sessionID != "5f0c1b7e-aaaa-bbbb-cccc-000000000001" {
		t.Fatalf("unexpected session id %q", got.sessionID)
	}
}

func TestParseStreamRecordsFallsBack(t *testing.T) {
	testCases := []struct {
		name     string
		stdout   string
		expected string
	}{
		{
			name:     "last assistant text without result",
			stdout:   `{"type":"assistant","message":{"content":[{"type":"text","text":"partial answer"}]}}` + "\n{broken",
			expected: "partial answer",
		},
		{
			name:     "raw stdout without records",
			stdout:   "plain text answer\nsecond line\n",
			expected: "plain text answer\nsecond line",
		},
		{
			name:     "empty output",
			stdout:   "",
			expected: "",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := parseStreamRecords([]byte(testCase.stdout)).text; got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestParseStreamRecordsReportsErrorResult(t *testing.T) {
	got := parseStreamRecords([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Credit balance is too low"}`))
	if !got.isError || got.text != "Credit balance is too low" {
		t.Fatalf("expected error result, got %+v", got)
	}
}

type recordingRunner struct {
	commands []command
	stdout   []byte
	err      error
	onRun    func(command)
}

func (r *recordingRunner) run(_ context.Context, cmd command) ([]byte, error) {
	r.commands = append(r.commands, cmd)
	if r.onRun != nil {
		r.onRun(cmd)
	}
	return r.stdout, r.err
}

func newTestStreamingDriver(runner commandRunner) *streamingDriver {
	d, _ := newStreamingDriver(CLIConfig{PathFallbacks: []string{}})
	d.runner = runner
	d.environ = func() []string { return []string{"PATH=/usr/bin", "ANTHROPIC_API_KEY=ambient", "HOME=/home/test"} }
	d.home = "/home/test"
	d.newSessionID = func() string { return "assigned-session" }
	return d
}

func TestStreamingDriverAssignsThenResumesSession(t *testing.T) {
	runner := &recordingRunner{stdout: []byte(`{"type":"result","subtype":"success","result":"hi","session_id":"assigned-session"}`)}
	d := newTestStreamingDriver(runner)

	first, err := d.query(context.Background(), request{prompt: "hello", systemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.continuation != "assigned-session" || first.text != "hi" {
		t.Fatalf("unexpected reply %+v", first)
	}
	if _, err := d.query(context.Background(), request{prompt: "again", continuation: first.continuation}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	firstArgs := runner.commands[0].args
	if i := slices.Index(firstArgs, "--session-id"); i < 0 || firstArgs[i+1] != "assigned-session" {
		t.Fatalf("expected --session-id on first turn, got %v", firstArgs)
	}
	if i := slices.Index(firstArgs, "--append-system-prompt"); i < 0 || firstArgs[i+1] != "be brief" {
		t.Fatalf("expected device prompt to be appended, got %v", firstArgs)
	}
	secondArgs := runner.commands[1].args
	if i := slices.Index(secondArgs, "--resume"); i < 0 || secondArgs[i+1] != "assigned-session" {
		t.Fatalf("expected --resume on second turn, got %v", secondArgs)
	}
	if slices.Contains(secondArgs, "--session-id") {
		t.Fatalf("expected no --session-id when resuming, got %v", secondArgs)
	}
	for _, kv := range runner.commands[0].env {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			t.Fatalf("expected conflicting variable to be unset, env=%v", runner.commands[0].env)
		}
	}
}

func TestStreamingDriverSurfacesProcessFailure(t *testing.T) {
	runner := &recordingRunner{err: errors.New("claude failed: exit status 1")}
	d := newTestStreamingDriver(runner)

	if _, err := d.query(context.Background(), request{prompt: "hello"}); err == nil {
		t.Fatalf("expected process failure to surface")
	}
}
