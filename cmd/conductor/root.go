package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conductor-council/internal/council"
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

// app carries the state shared by every command.
type app struct {
	configPath string
	verbose    bool
	jsonOut    bool
	output     string
	cfg        Config
	log        *zap.Logger

	stdin      io.Reader
	stdinPiped bool
	tty        bool
}

func newApp() *app {
	return &app{stdin: os.Stdin, stdinPiped: !isTerminal(os.Stdin), tty: isTerminal(os.Stdout)}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "conductor",
		Short:             "Fan one prompt out to a council of CLI agents and collect the answers",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config path (default: CONDUCTOR_CONFIG, ./.conductor-kit, then ~/.conductor-kit)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging on stderr")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output JSON")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "", "output format: pretty, json or yaml (default: pretty on a terminal, json otherwise)")

	root.AddCommand(
		newCouncilCmd(a),
		newDoctorCmd(a),
		newConfigCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.log == nil {
		a.log = newCLILogger(a.verbose)
	}
	switch a.output {
	case "", "json", "yaml", "pretty":
	default:
		return fmt.Errorf("%w: unknown output format %q", council.ErrInvalidArgument, a.output)
	}
	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}
	a.configPath = resolveConfigPath(a.configPath)
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log.Debug("config loaded", zap.String("path", a.configPath), zap.Int("members", len(cfg.Council.Members)))
	return nil
}

func (a *app) jobsDir(override string) string {
	if strings.TrimSpace(override) != "" {
		return expandPath(override)
	}
	if a.cfg.Council.JobsDir != "" {
		return a.cfg.Council.JobsDir
	}
	return defaultJobsDir()
}

func (a *app) aggregator() *council.Aggregator {
	return &council.Aggregator{
		StaleFloor: seconds(a.cfg.Council.StaleFloorSec),
		Logger:     a.log,
	}
}

func (a *app) dispatcher(jobsDir string) *council.Dispatcher {
	return &council.Dispatcher{
		JobsDir:    a.jobsDir(jobsDir),
		Launcher:   council.ProcessLauncher{Prefix: []string{"council", "worker"}},
		Logger:     a.log,
		LaunchRate: a.cfg.Council.LaunchRate,
	}
}

// waitDefaults are the configured wait knobs, used when flags are unset.
func (a *app) waitDefaults() council.WaitOptions {
	return council.WaitOptions{
		Interval: time.Duration(a.cfg.Council.Wait.IntervalMs) * time.Millisecond,
		Timeout:  seconds(a.cfg.Council.Wait.TimeoutSec),
	}
}

func (a *app) resolveJob(ref, jobsDir string) (string, error) {
	return council.ResolveJobDir(a.jobsDir(jobsDir), ref)
}

func (a *app) format() string {
	if a.jsonOut {
		return "json"
	}
	switch a.output {
	case "json", "yaml", "pretty":
		return a.output
	}
	if a.tty {
		return "pretty"
	}
	return "json"
}

// emit writes payload in the selected format. pretty may be nil, in which
// case the pretty format falls back to JSON.
func (a *app) emit(w io.Writer, payload any, pretty func(io.Writer)) error {
	switch a.format() {
	case "yaml":
		return writeYAMLTo(w, payload)
	case "pretty":
		if pretty != nil {
			pretty(w)
			return nil
		}
	}
	return writeJSONTo(w, payload)
}

func seconds(s float64) time.Duration {
	return council.Seconds(s)
}
