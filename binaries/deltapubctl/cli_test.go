package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execCLI(t *testing.T, args ...string) (string, error) {
	cl := newCLI()
	var out bytes.Buffer
	cl.rootCmd.SetOutput(&out)
	cl.rootCmd.SetArgs(args)
	err := cl.Exec()
	return out.String(), err
}

func TestSubmitAndStatus(t *testing.T) {
	cfg := fmt.Sprintf(`{"Store": {"Type": "sqlite", "Path": %q}}`, filepath.Join(t.TempDir(), "jobs.db"))

	_, err := execCLI(t, "migrate", "--config", cfg)
	require.NoError(t, err)

	out, err := execCLI(t, "submit", "commit", `{"repo":"stable","ref":"os/x86_64/stable","source":"/builds/1"}`, "--config", cfg)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.Equal(t, "1", id)

	out, err = execCLI(t, "submit", "update-repo", `{"repo":"stable","refs":["os/x86_64/stable"],"checkout_dir":"/srv/www/stable"}`, "--dep", id, "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))

	out, err = execCLI(t, "status", "2", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Job 2: update-repo new")
	assert.Contains(t, out, "Deps:    [1]")
	assert.Contains(t, out, "Retries: 0/5")
}

func TestSubmitRejectsBadInput(t *testing.T) {
	cfg := fmt.Sprintf(`{"Store": {"Type": "sqlite", "Path": %q, "AutoMigrate": true}}`, filepath.Join(t.TempDir(), "jobs.db"))

	_, err := execCLI(t, "submit", "bake", `{}`, "--config", cfg)
	assert.Error(t, err)
	_, err = execCLI(t, "submit", "commit", `{"repo":"stable"}`, "--config", cfg)
	assert.Error(t, err)
	_, err = execCLI(t, "submit", "update-repo", `{"repo":"stable","refs":["os/x86_64/stable"],"checkout_dir":"/srv/www/stable"}`, "--dep", "7", "--config", cfg)
	assert.Error(t, err, "unknown dependency")
	_, err = execCLI(t, "status", "1", "--config", cfg)
	assert.Error(t, err)
}

func TestMemoryStoreRefused(t *testing.T) {
	_, err := execCLI(t, "status", "1", "--config", "local.memory")
	assert.Error(t, err)
}
