// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/search"
)

func findCommand(t *testing.T, app *cli.App, name string) *cli.Command {
	t.Helper()
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %q not found", name)
	return nil
}

func TestCommands(t *testing.T) {
	app := newApp()
	for _, name := range []string{"serve", "ingest", "reembed", "prune", "reconcile", "query"} {
		t.Run(name, func(t *testing.T) {
			cmd := findCommand(t, app, name)
			assert.NotNil(t, cmd.Action)
			assert.NotEmpty(t, cmd.Usage)
		})
	}
}

func TestReembedFlagDefaults(t *testing.T) {
	cmd := findCommand(t, newApp(), "reembed")
	defaults := map[string]int{"batch-size": 100, "report-interval": 100, "max-retries": 3}
	for _, f := range cmd.Flags {
		if intFlag, ok := f.(*cli.IntFlag); ok {
			want, known := defaults[intFlag.Name]
			require.True(t, known, intFlag.Name)
			assert.Equal(t, want, intFlag.Value, intFlag.Name)
		}
	}
}

func TestReconcileRequiresDatasource(t *testing.T) {
	dir := t.TempDir()
	app := newApp()
	err := app.Run([]string{"kbase", "--config", filepath.Join(dir, "none.yaml"), "--data-dir", dir, "reconcile"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datasource")
}

func TestQueryRequiresText(t *testing.T) {
	dir := t.TempDir()
	app := newApp()
	err := app.Run([]string{"kbase", "--config", filepath.Join(dir, "none.yaml"), "--data-dir", dir, "query"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query text is required")
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbase.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\nlog_level: warn\n"), 0o644))

	app := newApp()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range app.Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{"--config", path, "--data-dir", "/from/flag"}))

	cfg, err := loadConfig(cli.NewContext(app, set, nil))
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	assert.NoError(t, setupLogger("debug", "json"))
	assert.NoError(t, setupLogger("", ""))
	assert.Error(t, setupLogger("loud", "text"))
	assert.Error(t, setupLogger("info", "xml"))
}

func TestExplainMonitor(t *testing.T) {
	var buf bytes.Buffer
	m := &explainMonitor{w: &buf}
	hit := &core.SearchResult{Chunk: &core.Chunk{ChunkID: "doc#0"}, DenseScore: 0.5, SparseScore: 1}

	m.Start(search.Request{Query: "rollout", Limit: 5}, search.Weights{Semantic: 0.1, Keyword: 0.9})
	m.AfterSparseSearch([]string{"rollout"}, nil)
	m.DenseAndSparseHit(hit)
	m.Finish([]*core.SearchResult{hit})

	out := buf.String()
	assert.Contains(t, out, `query "rollout"`)
	assert.Contains(t, out, "sparse: 0 candidates for [rollout]")
	assert.Contains(t, out, "both   doc#0")
	assert.Contains(t, out, "returned 1 results")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n  b", 10))
	assert.Equal(t, "abc...", preview("abcdef", 3))
}
