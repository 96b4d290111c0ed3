package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// conductorHome is $CONDUCTOR_HOME or ~/.conductor-kit.
func conductorHome() string {
	return expandPath(getenv("CONDUCTOR_HOME", filepath.Join(os.Getenv("HOME"), ".conductor-kit")))
}

func defaultJobsDir() string {
	return filepath.Join(conductorHome(), "jobs")
}

func defaultRolesDir() string {
	return filepath.Join(conductorHome(), "roles")
}

var configFileNames = []string{"conductor.yaml", "conductor.yml", "conductor.json"}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("CONDUCTOR_CONFIG"); env != "" {
		return env
	}
	cwd, err := os.Getwd()
	if err == nil {
		for _, name := range configFileNames {
			local := filepath.Join(cwd, ".conductor-kit", name)
			if pathExists(local) {
				return local
			}
		}
	}
	for _, name := range configFileNames {
		global := filepath.Join(conductorHome(), name)
		if pathExists(global) {
			return global
		}
	}
	return filepath.Join(conductorHome(), configFileNames[0])
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func expandPath(p string) string {
	if p == "~" {
		return os.Getenv("HOME")
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(os.Getenv("HOME"), p[2:])
	}
	return p
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isCommandAvailable(cmd string) bool {
	if cmd == "" {
		return false
	}
	_, err := exec.LookPath(cmd)
	return err == nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func writeJSONTo(w io.Writer, payload any) error {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func writeYAMLTo(w io.Writer, payload any) error {
	// Round-trip through JSON so json tags (and custom marshalers) decide field names.
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
