package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"conductor-council/internal/council"
)

type StartInput struct {
	Prompt     string               `json:"prompt"`
	Content    string               `json:"content,omitempty"`
	Members    []string             `json:"members,omitempty"`
	Entities   []council.EntitySpec `json:"entities,omitempty"`
	TimeoutSec *float64             `json:"timeout_sec,omitempty"`
	EntityKey  string               `json:"entity_key,omitempty"`
	RolesDir   string               `json:"roles_dir,omitempty"`
}

type JobInput struct {
	Job string `json:"job"`
}

type WaitInput struct {
	Job        string  `json:"job"`
	Cursor     string  `json:"cursor,omitempty"`
	Bucket     int     `json:"bucket,omitempty"`
	IntervalMs int     `json:"interval_ms,omitempty"`
	TimeoutSec float64 `json:"timeout_sec,omitempty"`
}

type ResultsInput struct {
	Job  string `json:"job"`
	Tail int    `json:"tail,omitempty"`
}

type ListInput struct {
	Match string `json:"match,omitempty"`
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the council MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := newMCPServer(a)
			session, err := server.Connect(cmd.Context(), mcp.NewStdioTransport(), nil)
			if err != nil {
				return fmt.Errorf("mcp connect: %w", err)
			}
			return session.Wait()
		},
	}
}

func newMCPServer(a *app) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "conductor-council",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_start",
		Description: "Dispatch a prompt to council members in the background and return the job id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input StartInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		// Workers are detached; they must not die with this request.
		payload, err := a.startJob(context.WithoutCancel(ctx), startOptions{
			Prompt:     input.Prompt,
			Content:    input.Content,
			Members:    input.Members,
			Entities:   input.Entities,
			TimeoutSec: input.TimeoutSec,
			EntityKey:  input.EntityKey,
			RolesDir:   input.RolesDir,
		})
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(payload)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_status",
		Description: "Aggregate a job's member states, counts and wait cursor.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input JobInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		dir, err := a.mcpJob(input.Job)
		if err != nil {
			return nil, nil, err
		}
		snap, err := a.aggregator().Collect(dir)
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(snap)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_wait",
		Description: "Block until the job makes meaningful progress, finishes, or the timeout elapses.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input WaitInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		dir, err := a.mcpJob(input.Job)
		if err != nil {
			return nil, nil, err
		}
		opts := a.waitDefaults()
		opts.Cursor = input.Cursor
		opts.BucketSize = input.Bucket
		if input.IntervalMs != 0 {
			opts.Interval = time.Duration(input.IntervalMs) * time.Millisecond
		}
		if input.TimeoutSec != 0 {
			opts.Timeout = seconds(input.TimeoutSec)
		}
		res, err := a.aggregator().Wait(ctx, dir, opts)
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_results",
		Description: "Return every member's status, output and stderr.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ResultsInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		dir, err := a.mcpJob(input.Job)
		if err != nil {
			return nil, nil, err
		}
		res, err := council.Results(dir, input.Tail)
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_stop",
		Description: "Send SIGTERM to every running member of a job.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input JobInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		dir, err := a.mcpJob(input.Job)
		if err != nil {
			return nil, nil, err
		}
		res, err := council.Stop(dir, a.log)
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_clean",
		Description: "Delete a job directory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input JobInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		dir, err := a.mcpJob(input.Job)
		if err != nil {
			return nil, nil, err
		}
		if err := council.Clean(dir); err != nil {
			return nil, nil, err
		}
		return nil, map[string]interface{}{"jobDir": dir, "removed": true}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "council_list",
		Description: "List jobs newest first, optionally filtered by a glob on the job id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		jobs, err := a.aggregator().ListJobs(a.jobsDir(""), input.Match)
		if err != nil {
			return nil, nil, err
		}
		return toolPayload(map[string]any{"jobs": jobs})
	})

	return server
}

func (a *app) mcpJob(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("Missing job")
	}
	return a.resolveJob(ref, "")
}

// toolPayload flattens v through its JSON form so custom marshalers (the
// status record's entity key) survive into the structured tool result.
func toolPayload(v any) (*mcp.CallToolResult, map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}
