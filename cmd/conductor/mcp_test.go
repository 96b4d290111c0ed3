package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conductor-council/internal/council"
)

// connectMCP wires a client to the council server over in-memory transports.
func connectMCP(t *testing.T, jobsDir string) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	a := &app{cfg: Config{Council: CouncilConfig{JobsDir: jobsDir}}, log: zap.NewNop()}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := newMCPServer(a).Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "council-test", Version: "0.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text
}

func toolJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, toolText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &out))
	return out
}

// writeKeyedJob lays out a one-entity job whose records name the entity
// under key instead of the default field.
func writeKeyedJob(t *testing.T, root, id, key, name string, state council.State) string {
	t.Helper()
	dir := filepath.Join(root, id)
	job := &council.Job{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Dir:       dir,
		Settings:  council.Settings{EntityKey: key},
		Entities:  []council.Entity{{Name: name, SafeName: council.SafeName(name), Command: "true"}},
	}
	layout := job.Layout()
	require.NoError(t, os.MkdirAll(layout.EntityDir(council.SafeName(name)), 0o755))
	require.NoError(t, council.WriteJSON(layout.Manifest(), job))
	now := time.Now().UTC()
	require.NoError(t, council.WriteStatus(layout.Status(council.SafeName(name)), council.StatusRecord{
		EntityKey:  key,
		Entity:     name,
		State:      state,
		QueuedAt:   &now,
		FinishedAt: &now,
		Command:    "true",
	}))
	return dir
}

func TestMCP_StatusAndWait(t *testing.T) {
	root := t.TempDir()
	writeKeyedJob(t, root, "job-01mcp", "reviewer", "alpha", council.StateDone)
	session := connectMCP(t, root)

	status := toolJSON(t, callTool(t, session, "council_status", map[string]any{"job": "job-01mcp"}))
	assert.Equal(t, "done", status["overallState"])
	assert.Equal(t, "job-01mcp", status["jobId"])
	entities := status["entities"].([]any)
	require.Len(t, entities, 1)
	rec := entities[0].(map[string]any)["status"].(map[string]any)
	assert.Equal(t, "alpha", rec["reviewer"], "the configured entity key names the member")
	assert.NotContains(t, rec, "entity")
	assert.NotContains(t, rec, "Entity")

	wait := toolJSON(t, callTool(t, session, "council_wait", map[string]any{"job": "job-01", "timeout_sec": 5}))
	assert.Equal(t, false, wait["timedOut"])
	assert.Equal(t, "done", wait["overallState"])
	assert.Equal(t, status["waitCursor"], wait["waitCursor"])
}

func TestMCP_WaitTimesOutOnUnchangedCursor(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, "job-01idle", map[string]council.State{"alpha": council.StateRunning})
	session := connectMCP(t, root)

	first := toolJSON(t, callTool(t, session, "council_status", map[string]any{"job": "job-01idle"}))
	wait := toolJSON(t, callTool(t, session, "council_wait", map[string]any{
		"job":         "job-01idle",
		"cursor":      first["waitCursor"],
		"interval_ms": 50,
		"timeout_sec": 0.3,
	}))
	assert.Equal(t, true, wait["timedOut"])
	assert.Equal(t, false, wait["changed"])
}

func TestMCP_ToolErrors(t *testing.T) {
	session := connectMCP(t, t.TempDir())

	res := callTool(t, session, "council_status", map[string]any{"job": ""})
	assert.True(t, res.IsError)
	assert.Equal(t, "Missing job", toolText(t, res))

	res = callTool(t, session, "council_wait", map[string]any{"job": "job-nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, toolText(t, res), "job-nope")
}

func TestMCPJob(t *testing.T) {
	root := t.TempDir()
	dir := writeJob(t, root, "job-01ref", map[string]council.State{"alpha": council.StateDone})
	a := &app{cfg: Config{Council: CouncilConfig{JobsDir: root}}}

	_, err := a.mcpJob("")
	assert.EqualError(t, err, "Missing job")

	got, err := a.mcpJob("job-01r")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestToolPayload_FlattensEntityKey(t *testing.T) {
	res, out, err := toolPayload(council.StatusRecord{
		EntityKey: "reviewer",
		Entity:    "Claude Opus",
		State:     council.StateRunning,
		Attempt:   1,
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "Claude Opus", out["reviewer"])
	assert.Equal(t, "running", out["state"])
	assert.Equal(t, 1.0, out["attempt"])
	assert.NotContains(t, out, "Entity")
	assert.NotContains(t, out, "EntityKey")

	_, _, err = toolPayload(func() {})
	assert.Error(t, err)
}
