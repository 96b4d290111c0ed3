package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conductor-council/internal/council"
)

func newCouncilCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "council",
		Short: "Run and inspect council jobs",
	}
	cmd.AddCommand(
		newCouncilStartCmd(a),
		newCouncilStatusCmd(a),
		newCouncilWaitCmd(a),
		newCouncilResultsCmd(a),
		newCouncilStopCmd(a),
		newCouncilCleanCmd(a),
		newCouncilListCmd(a),
		newCouncilWatchCmd(a),
		newCouncilInitCmd(a),
		newCouncilWorkerCmd(a),
	)
	return cmd
}

type startPayload struct {
	JobID    string           `json:"jobId"`
	JobDir   string           `json:"jobDir"`
	Entities []council.Entity `json:"entities"`
	Cursor   string           `json:"waitCursor"`
}

func newCouncilStartCmd(a *app) *cobra.Command {
	var (
		prompt      string
		promptFile  string
		contentFile string
		members     []string
		adhoc       []string
		timeout     float64
		entityKey   string
		rolesDir    string
		jobsDir     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Dispatch a prompt to council members and return at once",
		Long: `Creates a job directory, launches one detached worker per member and
prints the job id. The prompt comes from --prompt, --prompt-file (- for
stdin) or piped stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := a.readPrompt(prompt, promptFile)
			if err != nil {
				return err
			}
			opts := startOptions{
				Prompt:    text,
				Members:   members,
				EntityKey: entityKey,
				RolesDir:  rolesDir,
				JobsDir:   jobsDir,
			}
			if contentFile != "" {
				b, err := os.ReadFile(expandPath(contentFile))
				if err != nil {
					return fmt.Errorf("read content file: %w", err)
				}
				opts.Content = string(b)
			}
			for _, raw := range adhoc {
				spec, err := parseEntityFlag(raw)
				if err != nil {
					return err
				}
				opts.Entities = append(opts.Entities, spec)
			}
			if cmd.Flags().Changed("timeout") {
				opts.TimeoutSec = &timeout
			}
			payload, err := a.startJob(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), payload, func(w io.Writer) { renderStarted(w, payload) })
		},
	}
	f := cmd.Flags()
	f.StringVarP(&prompt, "prompt", "p", "", "prompt text")
	f.StringVar(&promptFile, "prompt-file", "", "read the prompt from a file (- for stdin)")
	f.StringVar(&contentFile, "content-file", "", "reference content to include for review")
	f.StringSliceVarP(&members, "member", "m", nil, "configured member to include (repeatable or comma separated; default $CONDUCTOR_MEMBERS, else all)")
	f.StringArrayVar(&adhoc, "entity", nil, "ad-hoc member as name=command, added to the configured ones (repeatable)")
	f.Float64Var(&timeout, "timeout", 0, "per-member timeout in seconds (0 disables)")
	f.StringVar(&entityKey, "entity-key", "", "status record field naming the member")
	f.StringVar(&rolesDir, "roles-dir", "", "directory of role templates")
	f.StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	return cmd
}

func (a *app) readPrompt(prompt, promptFile string) (string, error) {
	if strings.TrimSpace(prompt) != "" {
		return prompt, nil
	}
	if promptFile == "-" || (promptFile == "" && a.stdinPiped) {
		b, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		return string(b), nil
	}
	if promptFile != "" {
		b, err := os.ReadFile(expandPath(promptFile))
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%w: a prompt is required (--prompt, --prompt-file or stdin)", council.ErrInvalidArgument)
}

// startOptions is a start request before config defaults are applied.
type startOptions struct {
	Prompt   string
	Content  string
	Members  []string
	Entities []council.EntitySpec
	// TimeoutSec overrides council.timeout_sec when set.
	TimeoutSec *float64
	EntityKey  string
	RolesDir   string
	JobsDir    string
}

func (a *app) startJob(ctx context.Context, o startOptions) (startPayload, error) {
	entities, err := a.entities(o.Members, o.Entities)
	if err != nil {
		return startPayload{}, err
	}
	settings := council.Settings{
		TimeoutSec: a.cfg.Council.TimeoutSec,
		EntityKey:  a.cfg.Council.EntityKey,
		RolesDir:   a.cfg.Council.RolesDir,
	}
	if o.TimeoutSec != nil {
		settings.TimeoutSec = *o.TimeoutSec
	}
	if o.EntityKey != "" {
		settings.EntityKey = o.EntityKey
	}
	if o.RolesDir != "" {
		settings.RolesDir = expandPath(o.RolesDir)
	}
	job, err := a.dispatcher(o.JobsDir).Start(ctx, council.StartRequest{
		Prompt:   o.Prompt,
		Content:  o.Content,
		Entities: entities,
		Settings: settings,
	})
	if err != nil {
		return startPayload{}, err
	}
	payload := startPayload{JobID: job.ID, JobDir: job.Dir, Entities: job.Entities}
	if snap, err := a.aggregator().Collect(job.Dir); err == nil {
		payload.Cursor = snap.Cursor
	}
	return payload, nil
}

func parseEntityFlag(raw string) (council.EntitySpec, error) {
	name, command, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(command) == "" {
		return council.EntitySpec{}, fmt.Errorf("%w: --entity wants name=command, got %q", council.ErrInvalidArgument, raw)
	}
	return council.EntitySpec{Name: strings.TrimSpace(name), Command: strings.TrimSpace(command)}, nil
}

// entities resolves member names against the config and appends ad-hoc
// specs. Without names, $CONDUCTOR_MEMBERS (comma separated) picks the
// members, and when that is unset too every configured member takes part.
func (a *app) entities(members []string, adhoc []council.EntitySpec) ([]council.EntitySpec, error) {
	if len(members) == 0 {
		members = splitList(getenv("CONDUCTOR_MEMBERS", ""))
	}
	out, err := selectMembers(a.cfg, members)
	if err != nil {
		return nil, err
	}
	out = append(out, adhoc...)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no council members configured; add council.members or pass --entity", council.ErrInvalidArgument)
	}
	return out, nil
}

func newCouncilStatusCmd(a *app) *cobra.Command {
	var jobsDir string
	cmd := &cobra.Command{
		Use:   "status <job>",
		Short: "Aggregate a job's status records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			snap, err := a.aggregator().Collect(dir)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), snap, func(w io.Writer) { renderSnapshot(w, snap) })
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	return cmd
}

func newCouncilWaitCmd(a *app) *cobra.Command {
	var (
		jobsDir    string
		cursor     string
		bucket     int
		intervalMs int
		timeoutSec float64
	)
	cmd := &cobra.Command{
		Use:   "wait <job>",
		Short: "Block until the job makes meaningful progress",
		Long: `Polls the job until its wait cursor differs from the previous one (the
--cursor flag, or the cursor saved by the last wait), the job is done, or
the timeout elapses. A timeout is reported, not treated as an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			opts := a.waitDefaults()
			opts.Cursor = cursor
			opts.BucketSize = bucket
			if cmd.Flags().Changed("interval-ms") {
				opts.Interval = time.Duration(intervalMs) * time.Millisecond
			}
			if cmd.Flags().Changed("timeout-sec") {
				opts.Timeout = seconds(timeoutSec)
			}
			res, err := a.aggregator().Wait(cmd.Context(), dir, opts)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { renderWait(w, res) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	f.StringVar(&cursor, "cursor", "", "previous wait cursor (default: the one saved in the job)")
	f.IntVar(&bucket, "bucket", 0, "terminal-count bucket size (default: inherited or ceil(total/5))")
	f.IntVar(&intervalMs, "interval-ms", 0, "poll interval in milliseconds")
	f.Float64Var(&timeoutSec, "timeout-sec", 0, "give up after this many seconds")
	return cmd
}

func newCouncilResultsCmd(a *app) *cobra.Command {
	var (
		jobsDir string
		tail    int
	)
	cmd := &cobra.Command{
		Use:   "results <job>",
		Short: "Print every member's output and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			res, err := council.Results(dir, tail)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { renderResults(w, res) })
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	cmd.Flags().IntVar(&tail, "tail", 0, "keep only the last N bytes of each output (0 = all)")
	return cmd
}

func newCouncilStopCmd(a *app) *cobra.Command {
	var jobsDir string
	cmd := &cobra.Command{
		Use:   "stop <job>",
		Short: "Send SIGTERM to every running member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			res, err := council.Stop(dir, a.log)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { renderStop(w, res) })
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	return cmd
}

func newCouncilCleanCmd(a *app) *cobra.Command {
	var jobsDir string
	cmd := &cobra.Command{
		Use:   "clean <job>",
		Short: "Delete a job directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			if err := council.Clean(dir); err != nil {
				return err
			}
			payload := map[string]any{"jobDir": dir, "removed": true}
			return a.emit(cmd.OutOrStdout(), payload, func(w io.Writer) {
				fmt.Fprintf(w, "%s removed %s\n", iconOK, pathStyle.Render(dir))
			})
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	return cmd
}

func newCouncilListCmd(a *app) *cobra.Command {
	var (
		jobsDir string
		match   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.aggregator().ListJobs(a.jobsDir(jobsDir), match)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), jobs, func(w io.Writer) { renderJobList(w, jobs) })
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	cmd.Flags().StringVar(&match, "match", "", "glob applied to job ids, e.g. 'job-01j*'")
	return cmd
}

func newCouncilWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:                "worker",
		Short:              "Run one member of a job (launched by start)",
		Hidden:             true,
		DisableFlagParsing: true,
		Annotations:        map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			wa, err := council.ParseWorkerArgs(args)
			if err != nil {
				return err
			}
			log := newWorkerLogger()
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			res, err := council.RunWorker(ctx, wa, council.WorkerOptions{Logger: log})
			if err != nil {
				log.Error("worker failed", zap.String("jobDir", wa.JobDir), zap.String("entity", wa.SafeName), zap.Error(err))
				return err
			}
			log.Info("worker finished",
				zap.String("entity", wa.SafeName),
				zap.String("state", string(res.State)),
				zap.Int("attempt", res.Attempt),
			)
			return nil
		},
	}
}

func newCouncilInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config",
		Args:  cobra.MaximumNArgs(1),
		Annotations: map[string]string{
			skipConfig: "true",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(a.configPath)
			if len(args) == 1 {
				path = expandPath(args[0])
			}
			if err := writeStarterConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
