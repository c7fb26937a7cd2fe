package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

// writeConfig writes a config pointing at fb with a temporary data dir.
func writeConfig(t *testing.T, fb *testutil.FakeBackend) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "subnetgrid.yaml")
	cfg := fmt.Sprintf("backend:\n  url: %s\ndata:\n  dir: %s\nplugins:\n  grid:\n    subnet: \"10.0.0\"\n", fb.URL, dir)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func scanBody() map[string]any {
	return map[string]any{
		"subnet":    "10.0.0",
		"scan_time": 2.5,
		"results": []map[string]any{
			{"ip": "10.0.0.5", "status": "up", "hostname": "web"},
			{"ip": "10.0.0.9", "status": "down"},
		},
	}
}

func TestPromptConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"sure\n", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out bytes.Buffer
			confirm := promptConfirmer(strings.NewReader(tt.input), &out, false)
			assert.Equal(t, tt.want, confirm(context.Background(), "release 10.0.0.5"))
			assert.Contains(t, out.String(), "About to release 10.0.0.5.")
		})
	}
}

func TestPromptConfirmer_YesSkipsPrompt(t *testing.T) {
	var out bytes.Buffer
	confirm := promptConfirmer(strings.NewReader(""), &out, true)
	assert.True(t, confirm(context.Background(), "delete everything"))
	assert.Empty(t, out.String())
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "940 Mbit/s", formatRate(9.4e8))
	assert.Equal(t, "1.5 Gbit/s", formatRate(1.5e9))
	assert.Equal(t, "-", formatRate(0))
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "SubnetGrid "))
}

func TestScanCommand_CSVFiltered(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanBody())
	cfg := writeConfig(t, fb)

	out, err := run(t, "", "scan", "--config", cfg, "--output", "csv", "--filter", "up")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ip,status,hostname"))
	assert.True(t, strings.HasPrefix(lines[1], "10.0.0.5,up,web"))

	var req backend.ScanRequest
	fb.Requests()[0].Decode(t, &req)
	assert.Equal(t, "10.0.0", req.Subnet)
}

func TestScanCommand_RecordsHistory(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanBody())
	cfg := writeConfig(t, fb)

	out, err := run(t, "", "scan", "--config", cfg, "--subnet", "10.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "Scanned 10.0.0.0/24")

	out, err = run(t, "", "history", "scans", "--config", cfg, "--output", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"subnet": "10.0.0"`)
	assert.Contains(t, out, `"total": 1`)
}

func TestScanCommand_UnknownOutput(t *testing.T) {
	_, err := run(t, "", "scan", "--output", "xml")
	require.Error(t, err)
}

func TestReleaseCommand_DeclinedNeverCallsBackend(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	cfg := writeConfig(t, fb)

	_, err := run(t, "n\n", "release", "10.0.0.5", "--config", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrNotConfirmed))
	assert.Zero(t, fb.CountPrefix(http.MethodPost, "/api/release/"))
}

func TestReleaseCommand_Yes(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	fb.HandleJSON("POST /api/release/{ip}", http.StatusOK, map[string]any{"success": true})
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanBody())
	cfg := writeConfig(t, fb)

	out, err := run(t, "", "release", "10.0.0.5", "--config", cfg, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.5 released")
	assert.Equal(t, 1, fb.Count(http.MethodPost, "/api/release/10.0.0.5"))
}

func TestWriteTrafficTests(t *testing.T) {
	var buf bytes.Buffer
	writeTrafficTests(&buf, []models.TrafficTest{{
		TestID:   "t-1",
		TargetIP: "10.0.0.6",
		Protocol: models.ProtocolTCP,
		Status:   models.TestCompleted,
		Result:   &models.TrafficResult{BandwidthMbps: 940, BytesTransferred: 1175000000},
	}})
	out := buf.String()
	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "940 Mbit/s")
	assert.Contains(t, out, "1.2 GB")
}
