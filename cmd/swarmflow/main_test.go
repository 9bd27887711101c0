package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/testutil/fixtures"
	"github.com/BaSui01/swarmflow/workflow"
)

// --- initLogger ---

func TestInitLogger_LevelAndFallback(t *testing.T) {
	cfg := config.DefaultLogConfig()
	cfg.Level = "debug"
	logger, level := initLogger(cfg)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	cfg.Level = "bogus"
	_, level = initLogger(cfg)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	level.SetLevel(zapcore.ErrorLevel)
	assert.False(t, level.Enabled(zapcore.WarnLevel))
}

// --- validate ---

func TestRunValidate_ValidWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, workflow.SaveFile(fixtures.LinearWorkflow("demo", "plan", "build"), path))

	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"--workflow", path}, &out))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "VALID"))
	assert.Contains(t, text, "start -> plan -> build -> end")
	assert.Contains(t, text, "nodes:     4")
}

func TestRunValidate_ReportsEveryProblem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	def := `{"id":"broken","nodes":[{"id":"a","kind":"start"},{"id":"b","kind":"end"}],"edges":[{"from":"a","to":"ghost"}]}`
	require.NoError(t, os.WriteFile(path, []byte(def), 0o600))

	var out bytes.Buffer
	err := runValidate([]string{"--workflow", path}, &out)
	require.Error(t, err)

	var ve *workflow.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, strings.HasPrefix(out.String(), "INVALID"))
	for _, msg := range ve.Messages {
		assert.Contains(t, out.String(), msg)
	}
}

func TestRunValidate_RequiresWorkflowFlag(t *testing.T) {
	err := runValidate(nil, &bytes.Buffer{})
	assert.EqualError(t, err, "--workflow is required")
}

// --- run ---

func TestPrintResult_ExitCodes(t *testing.T) {
	tests := []struct {
		status workflow.RunStatus
		code   int
	}{
		{workflow.RunCompleted, 0},
		{workflow.RunFailed, 1},
		{workflow.RunCancelled, 130},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			var out bytes.Buffer
			err := printResult(&out, &workflow.RunResult{RunID: "r1", Status: tt.status})
			assert.Contains(t, out.String(), `"status": "`+string(tt.status)+`"`)
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			var ee *exitError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.code)
		})
	}
}

func TestRunWorkflow_AgainstHTTPAgent(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}],"usage":{"total_tokens":10}}`))
	}))
	defer agent.Close()

	dir := t.TempDir()
	flow := filepath.Join(dir, "flow.json")
	require.NoError(t, workflow.SaveFile(fixtures.LinearWorkflow("local", "plan"), flow))

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf("agent:\n  endpoint: %q\n  timeout: 5s\nlog:\n  level: error\n", agent.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	var out bytes.Buffer
	err := runWorkflow([]string{"--config", cfgPath, "--workflow", flow, "--vars", `{"repo":"demo"}`}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"status": "completed"`)
	assert.Contains(t, out.String(), `"repo": "demo"`)
}

func TestRunWorkflow_InvalidVars(t *testing.T) {
	flow := filepath.Join(t.TempDir(), "flow.json")
	require.NoError(t, workflow.SaveFile(fixtures.LinearWorkflow("local", "plan"), flow))

	err := runWorkflow([]string{"--workflow", flow, "--vars", "not-json"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --vars")
}

// --- migrate ---

func TestRunMigrate_SQLiteLifecycle(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "swarmflow.db") + "?mode=rwc"
	dbArgs := []string{"--db-type", "sqlite", "--db-url", url}

	var out bytes.Buffer
	require.NoError(t, runMigrate(append([]string{"up"}, dbArgs...), &out))
	assert.Contains(t, out.String(), "Migrations complete.")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"status"}, dbArgs...), &out))
	assert.Contains(t, out.String(), "Applied")
	assert.Contains(t, out.String(), "Pending: 0")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"down", "--all"}, dbArgs...), &out))
	assert.Contains(t, out.String(), "All migrations rolled back.")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"version"}, dbArgs...), &out))
	assert.Contains(t, out.String(), "No migrations applied yet.")
}

func TestRunMigrate_UsageErrors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runMigrate(nil, &out))
	assert.Contains(t, out.String(), "Database Migration Commands")

	out.Reset()
	assert.NoError(t, runMigrate([]string{"help"}, &out))

	err := runMigrate([]string{"sideways", "--db-type", "sqlite", "--db-url", "file::memory:"}, &out)
	assert.ErrorContains(t, err, "unknown migrate subcommand")

	err = runMigrate([]string{"goto", "abc", "--db-type", "sqlite", "--db-url", "file:" + filepath.Join(t.TempDir(), "x.db") + "?mode=rwc"}, &out)
	assert.ErrorContains(t, err, "invalid version number")
}

func TestParseMigrateArgs_VersionBeforeFlags(t *testing.T) {
	f, positional, err := parseMigrateArgs("goto", []string{"3", "--db-type", "sqlite", "--db-url", "file:x.db"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, positional)
	assert.Equal(t, "sqlite", f.dbType)
	assert.Equal(t, "file:x.db", f.dbURL)
}

// --- health ---

func TestRunHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"--addr", srv.URL + "/"}, &out))
	assert.Equal(t, "OK\n", out.String())

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.ErrorContains(t, runHealthCheck([]string{"--addr", down.URL}, &out), "status 503")
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	printVersion(&out)
	assert.Contains(t, out.String(), "SwarmFlow "+Version)
	assert.Contains(t, out.String(), "Git Commit")
}
