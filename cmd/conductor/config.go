package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"conductor-council/internal/council"
)

type Config struct {
	Council CouncilConfig `mapstructure:"council" yaml:"council"`
}

type CouncilConfig struct {
	JobsDir       string         `mapstructure:"jobs_dir" yaml:"jobs_dir"`
	RolesDir      string         `mapstructure:"roles_dir" yaml:"roles_dir"`
	TimeoutSec    float64        `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	EntityKey     string         `mapstructure:"entity_key" yaml:"entity_key"`
	StaleFloorSec float64        `mapstructure:"stale_floor_sec" yaml:"stale_floor_sec"`
	LaunchRate    float64        `mapstructure:"launch_rate" yaml:"launch_rate"`
	Wait          WaitConfig     `mapstructure:"wait" yaml:"wait"`
	Serve         ServeConfig    `mapstructure:"serve" yaml:"serve"`
	Members       []MemberConfig `mapstructure:"members" yaml:"members"`
}

type WaitConfig struct {
	IntervalMs int     `mapstructure:"interval_ms" yaml:"interval_ms"`
	TimeoutSec float64 `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

type ServeConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// MemberConfig is one council member. Either Command is given verbatim, or
// it is built from CLI, Args and the model/reasoning flags.
type MemberConfig struct {
	Name          string   `mapstructure:"name" yaml:"name"`
	Command       string   `mapstructure:"command" yaml:"command,omitempty"`
	CLI           string   `mapstructure:"cli" yaml:"cli,omitempty"`
	Args          []string `mapstructure:"args" yaml:"args,omitempty"`
	ModelFlag     string   `mapstructure:"model_flag" yaml:"model_flag,omitempty"`
	Model         string   `mapstructure:"model" yaml:"model,omitempty"`
	ReasoningFlag string   `mapstructure:"reasoning_flag" yaml:"reasoning_flag,omitempty"`
	ReasoningKey  string   `mapstructure:"reasoning_key" yaml:"reasoning_key,omitempty"`
	Reasoning     string   `mapstructure:"reasoning" yaml:"reasoning,omitempty"`
}

const (
	defaultServeHost = "127.0.0.1"
	defaultServePort = 7337
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("council.jobs_dir", defaultJobsDir())
	v.SetDefault("council.roles_dir", defaultRolesDir())
	v.SetDefault("council.timeout_sec", 0)
	v.SetDefault("council.entity_key", council.DefaultEntityKey)
	v.SetDefault("council.stale_floor_sec", council.DefaultStaleFloor.Seconds())
	v.SetDefault("council.launch_rate", 0)
	v.SetDefault("council.wait.interval_ms", council.DefaultWaitInterval.Milliseconds())
	v.SetDefault("council.wait.timeout_sec", council.DefaultWaitTimeout.Seconds())
	v.SetDefault("council.serve.host", defaultServeHost)
	v.SetDefault("council.serve.port", defaultServePort)
}

// loadConfig reads path when it exists; a missing file yields the defaults.
// CONDUCTOR_COUNCIL_* environment variables override file values.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" && pathExists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Council.JobsDir = expandPath(cfg.Council.JobsDir)
	cfg.Council.RolesDir = expandPath(cfg.Council.RolesDir)
	if path != "" && cfg.Council.RolesDir != "" && !filepath.IsAbs(cfg.Council.RolesDir) {
		cfg.Council.RolesDir = filepath.Join(filepath.Dir(path), cfg.Council.RolesDir)
	}
	return cfg, nil
}

var cliMemberDefaults = map[string]MemberConfig{
	"codex":  {Args: []string{"exec"}, ModelFlag: "-m", ReasoningFlag: "-c", ReasoningKey: "model_reasoning_effort"},
	"claude": {Args: []string{"-p"}, ModelFlag: "--model"},
	"gemini": {Args: []string{}, ModelFlag: "--model"},
}

// normalizeMemberConfig fills CLI-specific defaults. Members read the prompt
// on stdin, so no {prompt} placeholder is involved.
func normalizeMemberConfig(m MemberConfig) (MemberConfig, error) {
	if strings.TrimSpace(m.Name) == "" {
		return m, errors.New("name is required")
	}
	if strings.TrimSpace(m.Command) != "" {
		if _, err := council.SplitCommand(m.Command); err != nil {
			return m, fmt.Errorf("command: %w", err)
		}
		return m, nil
	}
	if m.CLI == "" {
		return m, errors.New("cli or command is required")
	}
	defaults, known := cliMemberDefaults[m.CLI]
	if m.Args == nil && known {
		m.Args = append([]string{}, defaults.Args...)
	}
	if m.ModelFlag == "" {
		m.ModelFlag = defaults.ModelFlag
	}
	if m.ReasoningFlag == "" {
		m.ReasoningFlag = defaults.ReasoningFlag
	}
	if m.ReasoningKey == "" {
		m.ReasoningKey = defaults.ReasoningKey
	}
	return m, nil
}

// memberCommand renders the command string a worker will tokenize.
func memberCommand(m MemberConfig) (string, error) {
	m, err := normalizeMemberConfig(m)
	if err != nil {
		return "", err
	}
	if cmd := strings.TrimSpace(m.Command); cmd != "" {
		return cmd, nil
	}
	argv := append([]string{m.CLI}, m.Args...)
	if m.Reasoning != "" && m.ReasoningFlag != "" && m.ReasoningKey != "" {
		argv = append(argv, m.ReasoningFlag, fmt.Sprintf("%s=%s", m.ReasoningKey, m.Reasoning))
	}
	if m.Model != "" && m.ModelFlag != "" {
		argv = append(argv, m.ModelFlag, m.Model)
	}
	return council.JoinCommand(argv), nil
}

func validateConfig(cfg Config) []string {
	errs := []string{}
	c := cfg.Council
	if len(c.Members) == 0 {
		errs = append(errs, "council.members is empty")
	}
	if err := council.ValidTimeoutSec(c.TimeoutSec); err != nil {
		errs = append(errs, "council.timeout_sec: "+err.Error())
	}
	if c.StaleFloorSec < 0 {
		errs = append(errs, "council.stale_floor_sec must be >= 0")
	}
	if c.LaunchRate < 0 {
		errs = append(errs, "council.launch_rate must be >= 0")
	}
	if c.Wait.IntervalMs < 0 {
		errs = append(errs, "council.wait.interval_ms must be >= 0")
	}
	if c.Wait.TimeoutSec < 0 {
		errs = append(errs, "council.wait.timeout_sec must be >= 0")
	}
	if c.EntityKey != "" {
		if err := council.ValidEntityKey(c.EntityKey); err != nil {
			errs = append(errs, "council.entity_key: "+err.Error())
		}
	}
	seen := map[string]string{}
	for i, m := range c.Members {
		if _, err := normalizeMemberConfig(m); err != nil {
			errs = append(errs, fmt.Sprintf("council.members[%d].%s", i, err.Error()))
			continue
		}
		safe := council.SafeName(m.Name)
		if prev, ok := seen[safe]; ok {
			errs = append(errs, fmt.Sprintf("council.members[%d]: %q collides with %q", i, m.Name, prev))
		}
		seen[safe] = m.Name
	}
	return errs
}

// selectMembers returns the configured members named in names (all when
// names is empty), as entity specs ready for dispatch.
func selectMembers(cfg Config, names []string) ([]council.EntitySpec, error) {
	byName := map[string]MemberConfig{}
	for _, m := range cfg.Council.Members {
		byName[strings.ToLower(m.Name)] = m
	}
	pick := cfg.Council.Members
	if len(names) > 0 {
		pick = nil
		for _, n := range names {
			m, ok := byName[strings.ToLower(n)]
			if !ok {
				return nil, fmt.Errorf("%w: unknown member %q", council.ErrInvalidArgument, n)
			}
			pick = append(pick, m)
		}
	}
	specs := make([]council.EntitySpec, 0, len(pick))
	for _, m := range pick {
		cmd, err := memberCommand(m)
		if err != nil {
			return nil, fmt.Errorf("%w: member %q: %v", council.ErrInvalidArgument, m.Name, err)
		}
		specs = append(specs, council.EntitySpec{Name: m.Name, Command: cmd})
	}
	return specs, nil
}

var errConfigExists = errors.New("config already exists")

func starterConfig() Config {
	return Config{Council: CouncilConfig{
		JobsDir:       "~/.conductor-kit/jobs",
		RolesDir:      "~/.conductor-kit/roles",
		TimeoutSec:    600,
		EntityKey:     council.DefaultEntityKey,
		StaleFloorSec: council.DefaultStaleFloor.Seconds(),
		Wait: WaitConfig{
			IntervalMs: int(council.DefaultWaitInterval.Milliseconds()),
			TimeoutSec: council.DefaultWaitTimeout.Seconds(),
		},
		Serve: ServeConfig{Host: defaultServeHost, Port: defaultServePort},
		Members: []MemberConfig{
			{Name: "codex", CLI: "codex", Reasoning: "medium"},
			{Name: "claude", CLI: "claude"},
			{Name: "gemini", CLI: "gemini"},
		},
	}}
}

// writeStarterConfig writes starterConfig as commented YAML.
func writeStarterConfig(path string, force bool) error {
	if pathExists(path) && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", errConfigExists, path)
	}
	var doc yaml.Node
	if err := doc.Encode(starterConfig()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	doc.HeadComment = "# conductor council config\n" +
		"# members take either a literal command, or a cli plus args/model/reasoning.\n" +
		"# the prompt is written to each member's stdin."
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
