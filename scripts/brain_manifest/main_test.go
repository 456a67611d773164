package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/internal/app/engine/script"
	"github.com/coachpo/runner/internal/domain/runstore"
)

const brainSource = `module.exports = {
  metadata: { name: "%s", description: "fixture" },
  start: function (ctx) {},
};`

func writeBrain(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	body := []byte(fmt.Sprintf(brainSource, name))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".js"), body, 0o600))
}

func TestRunWritesManifestAndUsage(t *testing.T) {
	root := t.TempDir()
	testDir := filepath.Join(root, "test")
	prodDir := filepath.Join(root, "production")
	writeBrain(t, testDir, "alpha")
	writeBrain(t, testDir, "beta")
	writeBrain(t, prodDir, "alpha")

	usage := filepath.Join(root, "runs.json")
	data, err := json.Marshal(usageExport{Runs: []runstore.Record{
		{Engine: "test", Brain: "alpha"},
		{Engine: "production", Brain: "ALPHA"},
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(usage, data, 0o600))

	out := filepath.Join(root, "out", "manifest.json")
	var stdout bytes.Buffer
	err = run(context.Background(), []string{
		"-test", testDir,
		"-production", prodDir,
		"-out", out,
		"-usage", usage,
	}, &stdout)
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "generated for 3 brains")
	require.Contains(t, stdout.String(), "  - test/beta\n")
	require.NotContains(t, stdout.String(), "test/alpha")

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var m manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Len(t, m.Engines["test"], 2)
	require.Len(t, m.Engines["production"], 1)
	require.Equal(t, "alpha", m.Engines["production"][0].Name)
}

func TestRunFailsOnBrokenBrain(t *testing.T) {
	root := t.TempDir()
	writeBrain(t, filepath.Join(root, "test"), "alpha")
	prodDir := filepath.Join(root, "production")
	require.NoError(t, os.MkdirAll(prodDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(prodDir, "broken.js"), []byte("module.exports = {"), 0o600))

	err := run(context.Background(), []string{
		"-test", filepath.Join(root, "test"),
		"-production", prodDir,
		"-out", filepath.Join(root, "manifest.json"),
	}, &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "production engine")
}

func TestUnusedBrainsAcceptsBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"engine":"test","brain":"alpha"}]`), 0o600))

	unused, err := unusedBrains(path, manifest{Engines: map[string][]script.ModuleSummary{
		"test": {{Name: "alpha"}, {Name: "gamma"}},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"test/gamma"}, unused)
}

func TestParseFlagsRequiresOut(t *testing.T) {
	_, err := parseFlags([]string{"-out", " "})
	require.Error(t, err)
}
