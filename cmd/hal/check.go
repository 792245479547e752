package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hal-core/internal/infrastructure/config"
	"github.com/nerrad567/hal-core/internal/sandbox"
	"github.com/nerrad567/hal-core/internal/script"
)

// checkOptions is the resolved input of the check command.
type checkOptions struct {
	dir     string
	ext     string
	prefix  string
	env     string
	timeout time.Duration
}

func newCheckCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "check [folder]",
		Short: "Load every unit file and report problems without running anything",
		Long: `Check loads each eligible unit in the folder into the Lua sandbox, verifies
its exports and config table, and lists the schedules it registers at load
time. Unit functions are not called and no commands are sent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := resolveCheckOptions(configPath(cmd), cmd.ErrOrStderr())
			if len(args) == 1 {
				opts.dir = args[0]
			}
			if env != "" {
				opts.env = env
			}
			return runCheck(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment to check supportedEnvs against (default from config)")
	return cmd
}

// resolveCheckOptions reads the scripts section from the config file when
// it loads, and falls back to built-in defaults otherwise.
func resolveCheckOptions(path string, stderr io.Writer) checkOptions {
	opts := checkOptions{
		dir:     "./scripts",
		ext:     script.DefaultExtension,
		prefix:  script.DefaultPrivatePrefix,
		env:     script.DefaultEnvironment,
		timeout: time.Second,
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "config not loaded (%v), using defaults\n", err)
		return opts
	}
	opts.dir = cfg.Scripts.Folder
	opts.ext = cfg.Scripts.Extension
	opts.prefix = cfg.Scripts.PrivatePrefix
	opts.env = cfg.Environment
	opts.timeout = cfg.ScriptTimeout()
	return opts
}

// runCheck checks every unit in opts.dir and writes one line per unit.
// It returns an error when any unit fails to load.
func runCheck(ctx context.Context, opts checkOptions, out io.Writer) error {
	names, err := script.Scan(opts.dir, opts.ext, opts.prefix)
	if err != nil {
		return fmt.Errorf("scanning units: %w", err)
	}

	sb := sandbox.New()
	failed := 0
	for _, name := range names {
		res, err := script.Check(ctx, sb, filepath.Join(opts.dir, name), opts.env, opts.timeout)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "%s %s\n", checkStatus(res), describeCheck(res))
	}

	fmt.Fprintf(out, "%d units checked, %d failed\n", len(names), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed to load", failed, len(names))
	}
	return nil
}

func checkStatus(res script.CheckResult) string {
	if len(res.InvalidSchedules) > 0 {
		return "WARN"
	}
	return "ok  "
}

func describeCheck(res script.CheckResult) string {
	parts := []string{res.Name}

	gate := res.Gate
	if gate == "" {
		gate = "(always)"
	}
	parts = append(parts, "gate="+gate, "action="+res.Action)
	if res.HasInit {
		parts = append(parts, "init")
	}
	if !res.Enabled {
		parts = append(parts, "dormant")
	}
	if res.Config.EntityFilter != nil {
		parts = append(parts, "entities="+res.Config.EntityFilter.String())
	}
	if res.Interval > 0 {
		parts = append(parts, "interval="+res.Interval.String())
	}
	for _, s := range res.Schedules {
		parts = append(parts, fmt.Sprintf("schedule=%q", s))
	}
	for _, s := range res.InvalidSchedules {
		parts = append(parts, fmt.Sprintf("invalid-schedule=%q", s))
	}
	return strings.Join(parts, " ")
}
