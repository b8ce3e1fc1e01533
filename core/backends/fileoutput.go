package backends

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// fileOutputDriver runs a CLI that writes its final answer to a file. The
// CLI keeps no resumable session, so recent exchanges are replayed in the
// prompt instead.
type fileOutputDriver struct {
	cliBase
	tempDir string
}

func newFileOutputDriver(cfg CLIConfig) (*fileOutputDriver, error) {
	if cfg.Args == nil {
		cfg.Args = []string{"exec", "--skip-git-repo-check"}
	}
	return &fileOutputDriver{cliBase: newCLIBase(cfg, "codex")}, nil
}

func (d *fileOutputDriver) query(ctx context.Context, req request) (reply, error) {
	out, err := os.CreateTemp(d.tempDir, "backend-reply-*.txt")
	if err != nil {
		return reply{}, fmt.Errorf("failed to create output file: %w", err)
	}
	outputPath := out.Name()
	_ = out.Close()
	defer func() {
		if err := os.Remove(outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove backend output file", "path", outputPath, "error", err)
		}
	}()

	args := []string{"--output-last-message", outputPath}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	args = append(args, composeReplayPrompt(req))

	cmd, err := d.command(args)
	if err != nil {
		return reply{}, err
	}

	stdout, runErr := d.runner.run(ctx, cmd)
	fileContents, readErr := os.ReadFile(outputPath)
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		logger.Warn("failed to read backend output file", "path", outputPath, "error", readErr)
	}

	text := parseFileOutput(fileContents, stdout)
	if runErr != nil && (text == "" || ctx.Err() != nil) {
		return reply{}, runErr
	}
	return reply{text: text}, nil
}

// parseFileOutput prefers the output file and falls back to stdout when the
// file is missing or blank.
func parseFileOutput(fileContents, stdout []byte) string {
	if text := strings.TrimSpace(string(fileContents)); text != "" {
		return text
	}
	return strings.TrimSpace(string(stdout))
}

func composeReplayPrompt(req request) string {
	var b strings.Builder
	if req.systemPrompt != "" {
		b.WriteString(req.systemPrompt)
		b.WriteString("\n\n")
	}
	if len(req.history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, exchange := range req.history {
			fmt.Fprintf(&b, "Caller: %s\nYou: %s\n", exchange.Prompt, exchange.Reply)
		}
		b.WriteString("\nCaller: ")
	}
	b.WriteString(req.prompt)
	return b.String()
}
