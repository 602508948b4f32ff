package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/biosim/config"
)

// csvStream is one CSV output file, optionally zstd-compressed.
type csvStream struct {
	f             *os.File
	enc           *zstd.Encoder
	w             *bufio.Writer
	headerWritten bool
}

func openStream(path string, compress bool) (*csvStream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &csvStream{f: f}
	var out io.Writer = f
	if compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		s.enc = enc
		out = enc
	}
	s.w = bufio.NewWriterSize(out, 64*1024)
	return s, nil
}

// write marshals records, emitting the header on the first call only.
func (s *csvStream) write(records any) error {
	if !s.headerWritten {
		if err := gocsv.Marshal(records, s.w); err != nil {
			return err
		}
		s.headerWritten = true
	} else if err := gocsv.MarshalWithoutHeaders(records, s.w); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *csvStream) close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			firstErr = err
		}
	}
	if s.enc != nil {
		if err := s.enc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AgentRecord is one row of an agent dump.
type AgentRecord struct {
	Step     uint64  `csv:"step"`
	Uid      uint64  `csv:"uid"`
	Kind     string  `csv:"kind"`
	X        float64 `csv:"x"`
	Y        float64 `csv:"y"`
	Z        float64 `csv:"z"`
	Diameter float64 `csv:"diameter"`
}

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir      string
	compress bool

	stats     *csvStream
	perf      *csvStream
	bookmarks *csvStream
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled). With compress set every
// stream is written as .csv.zst.
func NewOutputManager(dir string, compress bool) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir, compress: compress}

	var err error
	if om.stats, err = openStream(om.path("steps"), compress); err != nil {
		return nil, fmt.Errorf("creating steps output: %w", err)
	}
	if om.perf, err = openStream(om.path("perf"), compress); err != nil {
		_ = om.Close()
		return nil, fmt.Errorf("creating perf output: %w", err)
	}
	if om.bookmarks, err = openStream(om.path("bookmarks"), compress); err != nil {
		_ = om.Close()
		return nil, fmt.Errorf("creating bookmarks output: %w", err)
	}

	return om, nil
}

func (om *OutputManager) path(name string) string {
	if om.compress {
		return filepath.Join(om.dir, name+".csv.zst")
	}
	return filepath.Join(om.dir, name+".csv")
}

// WriteConfig saves the current configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStats writes a window stats record to steps.csv.
func (om *OutputManager) WriteStats(stats StepStats) error {
	if om == nil {
		return nil
	}
	if err := om.stats.write([]StepStats{stats}); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd uint64) error {
	if om == nil {
		return nil
	}
	if err := om.perf.write([]PerfStatsCSV{stats.ToCSV(windowEnd)}); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteBookmark writes a bookmark record to bookmarks.csv.
func (om *OutputManager) WriteBookmark(b Bookmark) error {
	if om == nil {
		return nil
	}
	if err := om.bookmarks.write([]Bookmark{b}); err != nil {
		return fmt.Errorf("writing bookmark: %w", err)
	}
	return nil
}

// WriteAgents dumps the population to agents_<step>.csv.
func (om *OutputManager) WriteAgents(step uint64, records []AgentRecord) error {
	if om == nil {
		return nil
	}
	s, err := openStream(om.path(fmt.Sprintf("agents_%d", step)), om.compress)
	if err != nil {
		return fmt.Errorf("creating agent dump: %w", err)
	}
	if err := s.write(records); err != nil {
		_ = s.close()
		return fmt.Errorf("writing agent dump: %w", err)
	}
	return s.close()
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, s := range []*csvStream{om.stats, om.perf, om.bookmarks} {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
