package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// cliEnv is a throwaway ledger directory with a config file pointing at it.
type cliEnv struct {
	dir        string
	configPath string
}

func newCLIEnv(t *testing.T, extra string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`durable:
  driver: sqlite
  dsn: %q
  retries: 0
fallback:
  path: %q
sessions:
  path: %q
  heartbeat_max_age: 1m
maintenance:
  interval: 20ms
authority: tester
%s`, filepath.Join(dir, "ledger.db"), filepath.Join(dir, "fallback.jsonl"), filepath.Join(dir, "sessions.jsonl"), extra)

	path := filepath.Join(dir, "vledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &cliEnv{dir: dir, configPath: path}
}

// run executes the root command against the env and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(context.Background(), t, args...)
}

func (e *cliEnv) runContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	logs := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(logs)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// runJSON runs a command with --format json and decodes the data field.
func (e *cliEnv) runJSON(t *testing.T, v any, args ...string) error {
	t.Helper()
	out, err := e.run(t, append(args, "--format", "json")...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if v != nil && resp.Status == "ok" {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return err
}
