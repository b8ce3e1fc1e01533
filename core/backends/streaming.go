package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// streamingDriver runs a CLI that prints newline-delimited JSON records and
// resumes conversations by session id.
type streamingDriver struct {
	cliBase
	newSessionID func() string
}

func newStreamingDriver(cfg CLIConfig) (*streamingDriver, error) {
	if cfg.UnsetEnv == nil {
		cfg.UnsetEnv = []string{"ANTHROPIC_API_KEY"}
	}
	return &streamingDriver{
		cliBase:      newCLIBase(cfg, "claude"),
		newSessionID: uuid.NewString,
	}, nil
}

func (d *streamingDriver) query(ctx context.Context, req request) (reply, error) {
	args := []string{"-p", req.prompt, "--output-format", "stream-json", "--verbose"}
	if req.systemPrompt != "" {
		args = append(args, "--append-system-prompt", req.systemPrompt)
	}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}

	sessionID := req.continuation
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	} else {
		sessionID = d.newSessionID()
		args = append(args, "--session-id", sessionID)
	}

	cmd, err := d.command(args)
	if err != nil {
		return reply{}, err
	}

	stdout, runErr := d.runner.run(ctx, cmd)
	parsed := parseStreamRecords(stdout)
	if parsed.isError {
		return reply{}, errors.New(parsed.text)
	}
	if parsed.sessionID != "" {
		sessionID = parsed.sessionID
	}
	if runErr != nil {
		if parsed.sawResult && parsed.text != "" && ctx.Err() == nil {
			logger.Warn("cli exited with error after producing a result", "call_id", req.callID, "error", runErr)
			return reply{text: parsed.text, continuation: sessionID}, nil
		}
		return reply{}, runErr
	}

	return reply{text: parsed.text, continuation: sessionID}, nil
}

type streamRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

type streamResult struct {
	text      string
	sessionID string
	sawResult bool
	isError   bool
}

// parseStreamRecords normalizes CLI stdout. The final "result" record wins;
// without one the last assistant text is used, and without that the
// non-JSON lines of stdout. Malformed lines are skipped.
func parseStreamRecords(stdout []byte) streamResult {
	var (
		out           streamResult
		lastAssistant string
		rawLines      []string
	)

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record streamRecord
		if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &record) != nil {
			rawLines = append(rawLines, line)
			continue
		}

		if record.SessionID != "" {
			out.sessionID = record.SessionID
		}

		switch record.Type {
		case "assistant":
			if record.Message == nil {
				continue
			}
			var parts []string
			for _, c := range record.Message.Content {
				if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				lastAssistant = strings.Join(parts, "\n")
			}
		case "result":
			out.sawResult = true
			out.text = strings.TrimSpace(record.Result)
			out.isError = record.IsError || strings.HasPrefix(record.Subtype, "error")
		}
	}

	if out.isError && out.text == "" {
		out.text = "backend reported an error"
	}
	if out.text == "" && !out.isError {
		out.text = strings.TrimSpace(lastAssistant)
	}
	if out.text == "" && !out.isError {
		out.text = strings.Join(rawLines, "\n")
	}
	return out
}
