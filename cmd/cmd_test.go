package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
	"github.com/JakeFAU/regional-access/internal/config"
	"github.com/JakeFAU/regional-access/internal/server"
)

func writeAccessGrid(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := accessgrid.NewWriter(&buf, accessgrid.Header{Zoom: 9, West: 1, North: 2, Width: 2, Height: 1, NSamples: 3})
	require.NoError(t, err)
	require.NoError(t, w.WriteOrigin([]int32{5, 4, 8}))
	require.NoError(t, w.WriteOrigin([]int32{7, 1, 1}))
	require.NoError(t, w.Close())
	path := filepath.Join(t.TempDir(), "job.access")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReduceCommand(t *testing.T) {
	path := writeAccessGrid(t)

	cases := []struct {
		args []string
		want []float64
	}{
		{args: nil, want: []float64{5, 7}},
		{args: []string{"--index", "2"}, want: []float64{8, 1}},
		{args: []string{"--mean"}, want: []float64{6, 1}},
		{args: []string{"--percentile", "0"}, want: []float64{4, 1}},
	}
	for _, tc := range cases {
		out, err := runRoot(t, append([]string{"reduce", path}, tc.args...)...)
		require.NoError(t, err, tc.args)
		var got struct {
			Width  int       `json:"width"`
			Values []float64 `json:"values"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, 2, got.Width)
		assert.InDeltaSlice(t, tc.want, got.Values, 1e-9, tc.args)
	}
}

func TestReduceCommandRejectsConflictingFlags(t *testing.T) {
	path := writeAccessGrid(t)
	_, err := runRoot(t, "reduce", path, "--mean", "--index", "1")
	require.Error(t, err)
	_, err = runRoot(t, "reduce", path, "--index", "7")
	require.Error(t, err)
}

type fakeApp struct{ ran bool }

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func TestRunCommandsBuildRequestedRoles(t *testing.T) {
	original := buildApp
	t.Cleanup(func() { buildApp = original })

	var gotRoles server.Roles
	app := &fakeApp{}
	buildApp = func(_ context.Context, _ config.Config, roles server.Roles) (appRunner, error) {
		gotRoles = roles
		return app, nil
	}

	_, err := runRoot(t, "collator")
	require.NoError(t, err)
	assert.True(t, app.ran)
	assert.Equal(t, server.Roles{Collator: true}, gotRoles)
}
