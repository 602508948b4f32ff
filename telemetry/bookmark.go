package telemetry

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkGrowthBurst      BookmarkType = "growth_burst"
	BookmarkPopulationCrash  BookmarkType = "population_crash"
	BookmarkSteadyState      BookmarkType = "steady_state"
	BookmarkSecretionOutside BookmarkType = "secretion_outside_domain"
)

// Bookmark marks a window worth a closer look.
type Bookmark struct {
	Type        BookmarkType `csv:"type"`
	Step        uint64       `csv:"step"`
	Description string       `csv:"description"`
}

// LogBookmark logs the bookmark.
func (b Bookmark) LogBookmark(logger *slog.Logger) {
	logger.Info("bookmark",
		"type", string(b.Type),
		"step", b.Step,
		"description", b.Description,
	)
}

// BookmarkDetector flags notable windows from the StepStats stream.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []StepStats
	historySize int
	historyIdx  int
	historyFull bool

	// State tracking
	recentPeak     int   // peak agent count since the last crash
	steadyReported bool  // steady state already reported for the current plateau
	lastDropped    int64 // dropped secretions at the previous window
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 5 {
		historySize = 5 // minimum for steady state detection
	}
	return &BookmarkDetector{
		history:     make([]StepStats, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats StepStats) []Bookmark {
	var bookmarks []Bookmark

	if bd.historyFull || bd.historyIdx > 0 {
		if b := bd.checkGrowthBurst(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}
		if b := bd.checkCrash(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}
	}
	if b := bd.checkSecretionOutside(stats); b != nil {
		bookmarks = append(bookmarks, *b)
	}

	bd.addToHistory(stats)

	if b := bd.checkSteadyState(stats); b != nil {
		bookmarks = append(bookmarks, *b)
	}
	if stats.Agents > bd.recentPeak {
		bd.recentPeak = stats.Agents
	}

	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats StepStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []StepStats {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

// checkGrowthBurst fires when births exceed twice the rolling average.
func (bd *BookmarkDetector) checkGrowthBurst(stats StepStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total int
	for _, h := range history {
		total += h.Births
	}
	avg := float64(total) / float64(len(history))
	if avg == 0 {
		return nil
	}

	if float64(stats.Births) > avg*2.0 && stats.Births >= 5 {
		return &Bookmark{
			Type:        BookmarkGrowthBurst,
			Step:        stats.Step,
			Description: fmt.Sprintf("%d births is %.1fx average (%.1f)", stats.Births, float64(stats.Births)/avg, avg),
		}
	}
	return nil
}

// checkCrash fires when the population drops more than 30% from its peak.
func (bd *BookmarkDetector) checkCrash(stats StepStats) *Bookmark {
	if bd.recentPeak == 0 {
		return nil
	}

	drop := 1.0 - float64(stats.Agents)/float64(bd.recentPeak)
	if drop > 0.30 && stats.Agents < bd.recentPeak-10 {
		// Reset peak after crash
		oldPeak := bd.recentPeak
		bd.recentPeak = stats.Agents

		return &Bookmark{
			Type:        BookmarkPopulationCrash,
			Step:        stats.Step,
			Description: fmt.Sprintf("Population dropped %.0f%% from peak %d to %d", drop*100, oldPeak, stats.Agents),
		}
	}
	return nil
}

// checkSteadyState fires once per plateau when the agent count's
// coefficient of variation over the last five windows is below 5%.
func (bd *BookmarkDetector) checkSteadyState(stats StepStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 5 || stats.Agents == 0 {
		return nil
	}

	// Last five windows, newest first.
	counts := make([]float64, 0, 5)
	for i := 1; i <= 5; i++ {
		idx := (bd.historyIdx - i + bd.historySize) % bd.historySize
		counts = append(counts, float64(bd.history[idx].Agents))
	}
	mean, variance := stat.PopMeanVariance(counts, nil)
	if mean == 0 {
		return nil
	}
	cv2 := variance / (mean * mean)

	if cv2 >= 0.05*0.05 {
		bd.steadyReported = false
		return nil
	}
	if bd.steadyReported {
		return nil
	}
	bd.steadyReported = true
	return &Bookmark{
		Type:        BookmarkSteadyState,
		Step:        stats.Step,
		Description: fmt.Sprintf("Population steady around %.0f agents", mean),
	}
}

// checkSecretionOutside fires when new secretions fell outside every
// diffusion lattice during the window.
func (bd *BookmarkDetector) checkSecretionOutside(stats StepStats) *Bookmark {
	delta := stats.DroppedSecretion - bd.lastDropped
	bd.lastDropped = stats.DroppedSecretion
	if delta <= 0 {
		return nil
	}
	return &Bookmark{
		Type:        BookmarkSecretionOutside,
		Step:        stats.Step,
		Description: fmt.Sprintf("%d secretions landed outside the diffusion domain", delta),
	}
}
