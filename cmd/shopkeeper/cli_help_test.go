package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/shopkeeper/pkg/config"
)

func TestCLIHelp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "root_help",
			args: []string{"--help"},
			want: []string{"gateway", "chat", "insights", "feedback", "seed-demo", "persona", "status", "--config"},
		},
		{
			name: "chat_help",
			args: []string{"chat", "--help"},
			want: []string{"--message", "--user", "shopkeeper chat --message"},
		},
		{
			name: "persona_help",
			args: []string{"persona", "--help"},
			want: []string{"list", "set"},
		},
		{
			name: "insights_help",
			args: []string{"insights", "--help"},
			want: []string{"--history", "--limit"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			output, err := runRootCommandForTest(tc.args...)
			require.NoError(t, err, output)
			for _, want := range tc.want {
				assert.Contains(t, output, want)
			}
		})
	}
}

func TestCLIVersion(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.Contains(t, output, appName+" "+formatVersion())

	flagOutput, err := runRootCommandForTest("--version")
	require.NoError(t, err)
	assert.Equal(t, output, flagOutput)
}

func TestCLIRequiresSubcommand(t *testing.T) {
	t.Parallel()

	_, err := runRootCommandForTest()
	assert.Error(t, err)
}

func TestCLILocalWorkflow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "shopkeeper.db")
	cfg.Insights.SendDelayMS = 0
	require.NoError(t, config.SaveConfig(cfgPath, cfg))

	output, err := runRootCommandForTest("--config", cfgPath, "seed-demo")
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ Seeded")

	output, err = runRootCommandForTest("--config", cfgPath, "persona", "set", "owner", "analytical_manager")
	require.NoError(t, err, output)
	assert.Contains(t, output, "owner is now analytical_manager")

	_, err = runRootCommandForTest("--config", cfgPath, "persona", "set", "owner", "wizard")
	assert.Error(t, err)

	output, err = runRootCommandForTest("--config", cfgPath, "chat", "--user", "owner", "--message", "check stock ABC123")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Espresso Beans 1kg")

	output, err = runRootCommandForTest("--config", cfgPath, "feedback", "cli:owner", "positive")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Recorded positive feedback for cli:owner")

	_, err = runRootCommandForTest("--config", cfgPath, "feedback", "cli:owner", "meh")
	assert.Error(t, err)

	output, err = runRootCommandForTest("--config", cfgPath, "status")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Persisted conversations: 1")
	assert.Contains(t, output, "Learned patterns: 1")
	assert.Contains(t, output, "Discord token: ✗")

	output, err = runRootCommandForTest("--config", cfgPath, "insights", "cli:owner", "--history")
	require.NoError(t, err, output)
	assert.Contains(t, output, "No insights sent yet.")
}

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
