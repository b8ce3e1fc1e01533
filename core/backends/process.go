package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type CLIConfig struct {
	// Command is the executable name or path. Resolved against the
	// composed PATH.
	Command string
	// Args are placed before the arguments the driver adds, e.g. "exec"
	// for a CLI with subcommands.
	Args    []string
	Model   string
	WorkDir string
	// ProfileFile is a dotenv-format file whose variables are injected
	// into the CLI environment.
	ProfileFile string
	// UnsetEnv lists ambient variables removed before the CLI starts.
	UnsetEnv []string
	// PathFallbacks are appended to PATH when missing. A leading "~" is
	// expanded to the home directory.
	PathFallbacks []string
}

var DefaultPathFallbacks = []string{
	"~/.local/bin",
	"~/.claude/local",
	"~/.npm-global/bin",
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
}

type command struct {
	name string
	args []string
	env  []string
	dir  string
}

type commandRunner interface {
	run(ctx context.Context, cmd command) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, c command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Env = c.env
	cmd.Dir = c.dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), fmt.Errorf("%s interrupted: %w", c.name, ctx.Err())
		}
		return stdout.Bytes(), fmt.Errorf("%s failed: %w: %s", c.name, err, lastBytes(stderr.String(), 400))
	}

	return stdout.Bytes(), nil
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// cliEnvironment assembles the environment for a CLI backend from the ambient
// environment: conflicting variables are removed, profile credentials are
// injected, and PATH gains the fallback directories it lacks.
func cliEnvironment(ambient []string, cfg CLIConfig, home string) ([]string, error) {
	env := make(map[string]string, len(ambient))
	for _, kv := range ambient {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	for _, k := range cfg.UnsetEnv {
		delete(env, k)
	}

	if cfg.ProfileFile != "" {
		creds, err := godotenv.Read(expandHome(cfg.ProfileFile, home))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read profile %s: %w", cfg.ProfileFile, err)
		}
		for k, v := range creds {
			env[k] = v
		}
	}

	fallbacks := cfg.PathFallbacks
	if fallbacks == nil {
		fallbacks = DefaultPathFallbacks
	}
	env["PATH"] = composePath(env["PATH"], fallbacks, home)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out, nil
}

func composePath(current string, fallbacks []string, home string) string {
	var dirs []string
	seen := map[string]bool{}
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	for _, dir := range filepath.SplitList(current) {
		add(dir)
	}
	for _, dir := range fallbacks {
		add(expandHome(dir, home))
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolveCommand looks the command up on the composed PATH, since the
// daemon's own PATH is often narrower than a login shell's.
func resolveCommand(name string, env []string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if k != "PATH" {
			continue
		}
		for _, dir := range filepath.SplitList(v) {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
				return candidate
			}
		}
	}
	return name
}

type cliBase struct {
	cfg     CLIConfig
	runner  commandRunner
	environ func() []string
	home    string
}

func newCLIBase(cfg CLIConfig, defaultCommand string) cliBase {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	home, _ := os.UserHomeDir()
	return cliBase{cfg: cfg, runner: execRunner{}, environ: os.Environ, home: home}
}

func (c cliBase) command(args []string) (command, error) {
	env, err := cliEnvironment(c.environ(), c.cfg, c.home)
	if err != nil {
		return command{}, err
	}
	return command{
		name: resolveCommand(c.cfg.Command, env),
		args: append(append([]string{}, c.cfg.Args...), args...),
		env:  env,
		dir:  c.cfg.WorkDir,
	}, nil
}
