// run.go implements the 'memsafe run' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kolkov/memsafe/internal/memsafe/config"
)

// exitError carries the exit status of the program memsafe ran.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// newRunCommand creates the 'memsafe run' command.
//
// It builds the instrumented program to a temporary binary and runs it,
// forwarding stdin/stdout/stderr and the program's exit status, as a
// drop-in replacement for 'go run'.
func newRunCommand(g *globalFlags) *cobra.Command {
	var bf goBuildFlags
	cmd := &cobra.Command{
		Use:   "run [flags] files|dir [-- args]",
		Short: "Run a program with memory-safety checks",
		Example: `  memsafe run main.go
  memsafe run . -- --port 8080
  memsafe run --quarantine-bytes 1048576 main.go helper.go arg1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, programArgs, err := parseRunArgs(args, cmd.ArgsLenAtDash())
			if err != nil {
				return err
			}
			cfg, err := newBuildConfig(g, sources, &bf)
			if err != nil {
				return err
			}
			cfg.stdout, cfg.stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			bin, cleanup, err := buildTemporary(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if code := executeBinary(ctx, bin, programArgs, runEnv(cfg.runtimeOpts)); code != 0 {
				return exitError(code)
			}
			return nil
		},
	}
	bf.register(cmd)
	return cmd
}

// parseRunArgs separates sources from program arguments.
//
// With "--" everything before it is a source and everything after it a
// program argument. Without it, the sources are the leading .go files, or
// the first argument when that is a directory:
//
//	memsafe run main.go util.go arg1   sources [main.go util.go], args [arg1]
//	memsafe run ./cmd/app arg1         sources [./cmd/app], args [arg1]
func parseRunArgs(args []string, dash int) (sources, programArgs []string, err error) {
	if dash >= 0 {
		sources, programArgs = args[:dash], args[dash:]
	} else {
		i := 0
		for i < len(args) && filepath.Ext(args[i]) == ".go" {
			i++
		}
		if i == 0 && len(args) > 0 {
			if info, statErr := os.Stat(args[0]); statErr == nil && info.IsDir() {
				i = 1
			}
		}
		sources, programArgs = args[:i], args[i:]
	}
	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("no Go source files specified")
	}
	return sources, programArgs, nil
}

// buildTemporary builds the instrumented program into a temporary
// directory. The returned cleanup removes it.
func buildTemporary(ctx context.Context, cfg *buildConfig) (string, func(), error) {
	dir, err := os.MkdirTemp("", "memsafe-run-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	name := "prog"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	cfg.outputFile = filepath.Join(dir, name)
	if err := runBuild(ctx, cfg); err != nil {
		cleanup()
		return "", nil, err
	}
	return cfg.outputFile, cleanup, nil
}

// runEnv is the environment of the program: ours, with the command line's
// runtime options appended to MEMSAFE_OPTIONS so that they take precedence.
func runEnv(opts string) []string {
	env := os.Environ()
	if opts == "" {
		return env
	}
	if cur := os.Getenv(config.EnvVar); cur != "" {
		opts = cur + ":" + opts
	}
	return append(env, config.EnvVar+"="+opts)
}

// executeBinary runs the binary with the given arguments and environment
// and returns its exit code. A violation's report comes through stderr.
func executeBinary(ctx context.Context, binaryPath string, args, env []string) int {
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error executing binary: %v\n", err)
		return 1
	}
	return 0
}
