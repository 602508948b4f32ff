package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/biosim/config"
)

func TestOutputManager_Disabled(t *testing.T) {
	om, err := NewOutputManager("", false)
	if err != nil || om != nil {
		t.Fatalf("NewOutputManager(\"\") = %v, %v; want nil, nil", om, err)
	}

	// All writes on a nil manager are no-ops.
	if err := om.WriteStats(StepStats{}); err != nil {
		t.Error(err)
	}
	if err := om.WriteBookmark(Bookmark{}); err != nil {
		t.Error(err)
	}
	if err := om.Close(); err != nil {
		t.Error(err)
	}
	if om.Dir() != "" {
		t.Error("nil manager has a directory")
	}
}

func TestOutputManager_WritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	for _, step := range []uint64{100, 200} {
		if err := om.WriteStats(StepStats{Step: step, Agents: 10}); err != nil {
			t.Fatal(err)
		}
	}
	if err := om.WriteBookmark(Bookmark{Type: BookmarkSteadyState, Step: 200, Description: "flat"}); err != nil {
		t.Fatal(err)
	}
	if err := om.WriteConfig(config.Default()); err != nil {
		t.Fatal(err)
	}
	if err := om.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "steps.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("steps.csv has %d lines, want 3:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "step,sim_time,agents") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "200,") {
		t.Errorf("second row = %q", lines[2])
	}

	data, err = os.ReadFile(filepath.Join(dir, "bookmarks.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "steady_state,200,flat") {
		t.Errorf("bookmarks.csv = %q", data)
	}

	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("written config does not load: %v", err)
	}
}

func TestOutputManager_Compressed(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := om.WriteStats(StepStats{Step: 100, Agents: 3}); err != nil {
		t.Fatal(err)
	}
	if err := om.WriteAgents(100, []AgentRecord{{Step: 100, Uid: 1, Kind: "cell", Diameter: 10}}); err != nil {
		t.Fatal(err)
	}
	if err := om.Close(); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		file string
		want string
	}{
		{"steps.csv.zst", "step,sim_time"},
		{"agents_100.csv.zst", "100,1,cell,0,0,0,10"},
	} {
		t.Run(tt.file, func(t *testing.T) {
			f, err := os.Open(filepath.Join(dir, tt.file))
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			dec, err := zstd.NewReader(f)
			if err != nil {
				t.Fatal(err)
			}
			defer dec.Close()

			data, err := io.ReadAll(dec)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("%s = %q, want it to contain %q", tt.file, data, tt.want)
			}
		})
	}
}
