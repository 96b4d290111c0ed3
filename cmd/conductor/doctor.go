package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conductor-council/internal/council"
)

var errDoctorFailed = errors.New("doctor found problems")

type doctorCheck struct {
	Member string `json:"member,omitempty"`
	Item   string `json:"item"`
	Level  string `json:"level"`
	Detail string `json:"detail,omitempty"`
}

type doctorReport struct {
	Config       string        `json:"config"`
	ConfigErrors []string      `json:"configErrors"`
	Checks       []doctorCheck `json:"checks"`
	OK           bool          `json:"ok"`
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, the jobs directory and every member's CLI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := buildDoctorReport(a.cfg, a.configPath)
			if err := a.emit(cmd.OutOrStdout(), report, func(w io.Writer) { renderDoctorPretty(w, report) }); err != nil {
				return err
			}
			if !report.OK {
				return errDoctorFailed
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}, &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			errs := validateConfig(a.cfg)
			if len(errs) > 0 {
				for _, msg := range errs {
					fmt.Fprintln(cmd.OutOrStdout(), "Error:", msg)
				}
				return fmt.Errorf("%w: %d config error(s)", council.ErrInvalidArgument, len(errs))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	})
	return cmd
}

func buildDoctorReport(cfg Config, configPath string) doctorReport {
	report := doctorReport{Config: configPath, ConfigErrors: validateConfig(cfg), Checks: []doctorCheck{}}

	jobsDir := cfg.Council.JobsDir
	if jobsDir == "" {
		jobsDir = defaultJobsDir()
	}
	if err := checkWritableDir(jobsDir); err != nil {
		report.Checks = append(report.Checks, doctorCheck{Item: "jobs_dir", Level: "error", Detail: err.Error()})
	} else {
		report.Checks = append(report.Checks, doctorCheck{Item: "jobs_dir", Level: "ok", Detail: jobsDir})
	}

	switch {
	case cfg.Council.RolesDir == "":
		report.Checks = append(report.Checks, doctorCheck{Item: "roles_dir", Level: "ok", Detail: "not set; prompts go out unwrapped"})
	case !pathExists(cfg.Council.RolesDir):
		report.Checks = append(report.Checks, doctorCheck{Item: "roles_dir", Level: "warn", Detail: cfg.Council.RolesDir + " does not exist; prompts go out unwrapped"})
	default:
		report.Checks = append(report.Checks, doctorCheck{Item: "roles_dir", Level: "ok", Detail: cfg.Council.RolesDir})
	}

	for _, m := range cfg.Council.Members {
		report.Checks = append(report.Checks, memberChecks(m)...)
	}

	report.OK = len(report.ConfigErrors) == 0
	for _, c := range report.Checks {
		if c.Level == "error" {
			report.OK = false
		}
	}
	return report
}

func memberChecks(m MemberConfig) []doctorCheck {
	command, err := memberCommand(m)
	if err != nil {
		return []doctorCheck{{Member: m.Name, Item: "command", Level: "error", Detail: err.Error()}}
	}
	argv, err := council.SplitCommand(command)
	if err != nil || len(argv) == 0 {
		return []doctorCheck{{Member: m.Name, Item: "command", Level: "error", Detail: "cannot parse " + command}}
	}
	checks := []doctorCheck{}
	if isCommandAvailable(argv[0]) {
		checks = append(checks, doctorCheck{Member: m.Name, Item: "cli", Level: "ok", Detail: argv[0]})
	} else {
		checks = append(checks, doctorCheck{Member: m.Name, Item: "cli", Level: "error", Detail: argv[0] + " not found on PATH"})
	}
	if m.Model != "" {
		mc := checkModelForCLI(m.CLI, m.Model)
		checks = append(checks, doctorCheck{Member: m.Name, Item: "model", Level: mc.level, Detail: m.Model + ": " + mc.message})
	}
	return checks
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func renderDoctorPretty(w io.Writer, report doctorReport) {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("🩺 Conductor Doctor") + "\n\n")
	sb.WriteString(labelStyle.Render("Config: ") + pathStyle.Render(report.Config) + "\n")
	sb.WriteString(renderDivider(50) + "\n\n")

	if len(report.ConfigErrors) > 0 {
		sb.WriteString(sectionStyle.Render("Configuration Errors") + "\n")
		for _, msg := range report.ConfigErrors {
			sb.WriteString("  " + iconError + " " + statusErrorStyle.Render(msg) + "\n")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString(iconOK + " " + statusOKStyle.Render("Config validated") + "\n\n")
	}

	sb.WriteString(sectionStyle.Render("Environment") + "\n")
	for _, c := range report.Checks {
		if c.Member == "" {
			sb.WriteString("  " + renderCheck(c) + "\n")
		}
	}
	sb.WriteString("\n" + sectionStyle.Render("Members") + "\n")
	current := ""
	for _, c := range report.Checks {
		if c.Member == "" {
			continue
		}
		if c.Member != current {
			sb.WriteString("  " + memberNameStyle.Render(c.Member) + "\n")
			current = c.Member
		}
		sb.WriteString("    " + renderCheck(c) + "\n")
	}
	sb.WriteString("\n")

	if report.OK {
		sb.WriteString(statusOKStyle.Render("✓ All checks passed") + "\n")
	} else {
		sb.WriteString(statusWarnStyle.Render("⚠ Some issues need attention") + "\n")
	}
	fmt.Fprint(w, sb.String())
}

func renderCheck(c doctorCheck) string {
	return levelIcon(c.Level) + " " + labelStyle.Render(c.Item+": ") + levelText(c.Level, c.Detail)
}

func levelIcon(level string) string {
	switch level {
	case "ok":
		return iconOK
	case "warn":
		return iconWarn
	default:
		return iconError
	}
}

func levelText(level, detail string) string {
	switch level {
	case "ok":
		return valueStyle.Render(detail)
	case "warn":
		return statusWarnStyle.Render(detail)
	default:
		return statusErrorStyle.Render(detail)
	}
}

type modelCheck struct {
	level   string
	message string
}

func checkModelForCLI(cli, model string) modelCheck {
	if model == "" {
		return modelCheck{level: "ok", message: "uses cli default"}
	}
	if strings.Contains(model, "/") {
		return modelCheck{
			level:   "error",
			message: "invalid (use CLI-native model names without provider prefix)",
		}
	}
	switch cli {
	case "codex":
		if strings.HasPrefix(model, "gpt-") {
			return modelCheck{level: "ok", message: "ok"}
		}
		return modelCheck{level: "warn", message: "unexpected for codex (expected gpt-*)"}
	case "claude":
		if strings.HasPrefix(model, "claude-") {
			return modelCheck{level: "ok", message: "ok"}
		}
		return modelCheck{level: "warn", message: "unexpected for claude (expected claude-*)"}
	case "gemini":
		if strings.HasPrefix(model, "gemini-") || model == "auto" {
			return modelCheck{level: "ok", message: "ok"}
		}
		return modelCheck{level: "warn", message: "unexpected for gemini (expected gemini-*)"}
	default:
		return modelCheck{level: "warn", message: "unknown cli (skipping model validation)"}
	}
}
