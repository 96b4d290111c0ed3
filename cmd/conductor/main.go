package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conductor-council/internal/council"
)

func main() {
	a := newApp()
	root := newRootCmd(a)
	root.SetArgs(resolveArgs(filepath.Base(os.Args[0]), os.Args[1:]))
	err := root.Execute()
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// resolveArgs maps alias binaries onto subcommands, so a conductor-council
// symlink behaves like "conductor council".
func resolveArgs(exe string, args []string) []string {
	alias := map[string]string{
		"conductor":             "",
		"conductor-council":     "council",
		"conductor-council.exe": "council",
		"conductor-mcp":         "mcp",
		"conductor-mcp.exe":     "mcp",
	}
	mapped, ok := alias[exe]
	if !ok || mapped == "" {
		return args
	}
	if len(args) > 0 && args[0] == mapped {
		return args
	}
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") && (args[0] == "help" || args[0] == "completion") {
		return args
	}
	return append([]string{mapped}, args...)
}

// exitCode is 2 for usage errors and 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, council.ErrInvalidArgument) || errors.Is(err, council.ErrInvalidCursor) || errors.Is(err, council.ErrNameCollision) {
		return 2
	}
	return 1
}
