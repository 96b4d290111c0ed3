package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor-council/internal/council"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)

	cfg, err := loadConfig(filepath.Join(home, "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "jobs"), cfg.Council.JobsDir)
	assert.Equal(t, filepath.Join(home, "roles"), cfg.Council.RolesDir)
	assert.Equal(t, council.DefaultEntityKey, cfg.Council.EntityKey)
	assert.Equal(t, 120.0, cfg.Council.StaleFloorSec)
	assert.Equal(t, 250, cfg.Council.Wait.IntervalMs)
	assert.Equal(t, 120.0, cfg.Council.Wait.TimeoutSec)
	assert.Equal(t, defaultServePort, cfg.Council.Serve.Port)
	assert.Empty(t, cfg.Council.Members)
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
council:
  jobs_dir: /tmp/council-jobs
  roles_dir: roles
  timeout_sec: 90
  entity_key: reviewer
  members:
    - name: codex
      cli: codex
      model: gpt-5
      reasoning: high
    - name: local
      command: my-agent --fast
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/council-jobs", cfg.Council.JobsDir)
	assert.Equal(t, filepath.Join(dir, "roles"), cfg.Council.RolesDir, "relative roles_dir resolves against the config file")
	assert.Equal(t, 90.0, cfg.Council.TimeoutSec)
	assert.Equal(t, "reviewer", cfg.Council.EntityKey)
	require.Len(t, cfg.Council.Members, 2)
	assert.Equal(t, "gpt-5", cfg.Council.Members[0].Model)
	assert.Equal(t, "my-agent --fast", cfg.Council.Members[1].Command)
	assert.Empty(t, validateConfig(cfg))
}

func TestLoadConfig_JSONAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"council":{"timeout_sec":30,"members":[{"name":"a","command":"true"}]}}`), 0o644))
	t.Setenv("CONDUCTOR_COUNCIL_TIMEOUT_SEC", "45")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 45.0, cfg.Council.TimeoutSec)
	require.Len(t, cfg.Council.Members, 1)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("council: [unclosed"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestMemberCommand(t *testing.T) {
	tests := []struct {
		name    string
		member  MemberConfig
		want    string
		wantErr bool
	}{
		{
			name:   "codex defaults with model and reasoning",
			member: MemberConfig{Name: "codex", CLI: "codex", Model: "gpt-5", Reasoning: "high"},
			want:   "codex exec -c model_reasoning_effort=high -m gpt-5",
		},
		{
			name:   "claude defaults",
			member: MemberConfig{Name: "claude", CLI: "claude", Model: "claude-sonnet-4"},
			want:   "claude -p --model claude-sonnet-4",
		},
		{
			name:   "gemini reads stdin without args",
			member: MemberConfig{Name: "gemini", CLI: "gemini"},
			want:   "gemini",
		},
		{
			name:   "explicit args win",
			member: MemberConfig{Name: "c", CLI: "claude", Args: []string{"--print", "--verbose"}},
			want:   "claude --print --verbose",
		},
		{
			name:   "unknown cli passes through",
			member: MemberConfig{Name: "x", CLI: "my-agent", Args: []string{"--say", "hello world"}},
			want:   "my-agent --say 'hello world'",
		},
		{
			name:   "literal command",
			member: MemberConfig{Name: "x", Command: "  sh -c 'cat -'  "},
			want:   "sh -c 'cat -'",
		},
		{
			name:    "missing cli and command",
			member:  MemberConfig{Name: "x"},
			wantErr: true,
		},
		{
			name:    "missing name",
			member:  MemberConfig{CLI: "codex"},
			wantErr: true,
		},
		{
			name:    "unterminated quote",
			member:  MemberConfig{Name: "x", Command: "echo 'oops"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := memberCommand(tt.member)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			argv, err := council.SplitCommand(got)
			require.NoError(t, err)
			assert.NotEmpty(t, argv)
		})
	}
}

func TestSelectMembers(t *testing.T) {
	cfg := Config{Council: CouncilConfig{Members: []MemberConfig{
		{Name: "Codex", CLI: "codex"},
		{Name: "claude", CLI: "claude"},
	}}}

	all, err := selectMembers(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []council.EntitySpec{
		{Name: "Codex", Command: "codex exec"},
		{Name: "claude", Command: "claude -p"},
	}, all)

	one, err := selectMembers(cfg, []string{"codex"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Codex", one[0].Name)

	_, err = selectMembers(cfg, []string{"gemini"})
	assert.ErrorIs(t, err, council.ErrInvalidArgument)
}

func TestWriteStarterConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "conductor.yaml")

	require.NoError(t, writeStarterConfig(path, false))
	assert.ErrorIs(t, writeStarterConfig(path, false), errConfigExists)
	require.NoError(t, writeStarterConfig(path, true))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# conductor council config")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Council.Members, 3)
	assert.Equal(t, 600.0, cfg.Council.TimeoutSec)
	assert.Empty(t, validateConfig(cfg))
}
