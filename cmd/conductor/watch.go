package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"conductor-council/internal/council"
)

// watchPollTimeout bounds each wait call so key presses and stop requests
// are never starved by a long poll.
const watchPollTimeout = 30 * time.Second

var helpStyle = lipgloss.NewStyle().
	Foreground(colorMuted).
	MarginTop(1)

type watchKeys struct {
	quit key.Binding
	stop key.Binding
}

func newWatchKeys() watchKeys {
	return watchKeys{
		quit: key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
		stop: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop members")),
	}
}

type waitMsg struct {
	res *council.WaitResult
	err error
}

type stopMsg struct {
	res *council.StopResult
	err error
}

type watchModel struct {
	ctx  context.Context
	agg  *council.Aggregator
	dir  string
	opts council.WaitOptions

	snap    *council.Snapshot
	cursor  string
	note    string
	err     error
	done    bool
	quit    bool
	stopped bool

	keys     watchKeys
	spinner  spinner.Model
	progress progress.Model
}

func newWatchModel(ctx context.Context, agg *council.Aggregator, dir string, opts council.WaitOptions) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorActive)
	if opts.Timeout == 0 || opts.Timeout > watchPollTimeout {
		opts.Timeout = watchPollTimeout
	}
	return watchModel{
		ctx:      ctx,
		agg:      agg,
		dir:      dir,
		opts:     opts,
		keys:     newWatchKeys(),
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.collect())
}

// collect reads the current snapshot without waiting.
func (m watchModel) collect() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.agg.Collect(m.dir)
		if err != nil {
			return waitMsg{err: err}
		}
		return waitMsg{res: &council.WaitResult{Snapshot: snap}}
	}
}

func (m watchModel) wait() tea.Cmd {
	opts := m.opts
	opts.Cursor = m.cursor
	return func() tea.Msg {
		res, err := m.agg.Wait(m.ctx, m.dir, opts)
		return waitMsg{res: res, err: err}
	}
}

func (m watchModel) stop() tea.Cmd {
	return func() tea.Msg {
		res, err := council.Stop(m.dir, nil)
		return stopMsg{res: res, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.quit):
			m.quit = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.stop):
			if m.stopped || m.done {
				return m, nil
			}
			m.stopped = true
			m.note = "stopping..."
			return m, m.stop()
		}

	case tea.WindowSizeMsg:
		m.progress.Width = max(10, min(60, msg.Width-10))

	case waitMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.snap = msg.res.Snapshot
		m.cursor = msg.res.Cursor
		if m.snap.State == council.StateDone {
			m.done = true
			return m, tea.Quit
		}
		return m, m.wait()

	case stopMsg:
		switch {
		case msg.err != nil:
			m.note = "stop failed: " + msg.err.Error()
		case len(msg.res.Signaled) == 0:
			m.note = "nothing running to stop"
		default:
			m.note = fmt.Sprintf("sent SIGTERM to %s", strings.Join(msg.res.Signaled, ", "))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) ratio() float64 {
	if m.snap == nil || m.snap.Total == 0 {
		return 0
	}
	return float64(m.snap.TerminalCount()) / float64(m.snap.Total)
}

func (m watchModel) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder
	if m.snap == nil {
		b.WriteString(m.spinner.View() + " " + labelStyle.Render("reading "+m.dir) + "\n")
		return b.String()
	}
	b.WriteString(snapshotView(m.snap))
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(m.ratio()))
	b.WriteString("\n")
	if !m.done {
		b.WriteString(m.spinner.View() + " " + labelStyle.Render("waiting for progress") + "\n")
	}
	if m.note != "" {
		b.WriteString(statusWarnStyle.Render(m.note) + "\n")
	}
	b.WriteString(helpStyle.Render("q quit • s stop members"))
	b.WriteString("\n")
	return b.String()
}

func newCouncilWatchCmd(a *app) *cobra.Command {
	var (
		jobsDir    string
		intervalMs int
	)
	cmd := &cobra.Command{
		Use:   "watch <job>",
		Short: "Follow a job until every member finishes",
		Long: `On a terminal, shows a live view driven by the wait cursor. Otherwise
prints one snapshot per cursor change until the job is done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveJob(args[0], jobsDir)
			if err != nil {
				return err
			}
			opts := a.waitDefaults()
			if cmd.Flags().Changed("interval-ms") {
				opts.Interval = time.Duration(intervalMs) * time.Millisecond
			}
			if a.format() != "pretty" {
				return a.followJob(cmd.Context(), cmd.OutOrStdout(), dir, opts)
			}
			m := newWatchModel(cmd.Context(), a.aggregator(), dir, opts)
			final, err := tea.NewProgram(m, tea.WithContext(cmd.Context()), tea.WithOutput(cmd.OutOrStdout())).Run()
			if err != nil {
				return err
			}
			if fm, ok := final.(watchModel); ok && fm.err != nil {
				return fm.err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	cmd.Flags().IntVar(&intervalMs, "interval-ms", 0, "poll interval in milliseconds")
	return cmd
}

// followJob emits the current snapshot and then one per cursor change.
func (a *app) followJob(ctx context.Context, w io.Writer, dir string, opts council.WaitOptions) error {
	agg := a.aggregator()
	snap, err := agg.Collect(dir)
	if err != nil {
		return err
	}
	if err := a.emit(w, snap, nil); err != nil {
		return err
	}
	cursor := snap.Cursor
	for snap.State != council.StateDone {
		opts.Cursor = cursor
		res, err := agg.Wait(ctx, dir, opts)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap = res.Snapshot
		if res.TimedOut {
			continue
		}
		cursor = res.Cursor
		if err := a.emit(w, res, nil); err != nil {
			return err
		}
	}
	return nil
}
