package history

import (
	"fmt"
	"sort"
	"time"
)

// WindowStats summarizes records inside one trailing time window.
type WindowStats struct {
	Count       int     `json:"count"`
	SuccessRate float64 `json:"successRate"`
	AvgDuration float64 `json:"avgDuration"`
}

// Trends aggregates run records.
type Trends struct {
	AverageDuration float64                `json:"averageDuration"`
	SuccessRate     float64                `json:"successRate"`
	FailureRate     float64                `json:"failureRate"`
	Windows         map[string]WindowStats `json:"trends"`
}

// Trend window names.
const (
	WindowLast24Hours = "last24Hours"
	WindowLast7Days   = "last7Days"
	WindowLast30Days  = "last30Days"
)

// PerformancePattern is one duration bucket.
type PerformancePattern struct {
	PatternName     string  `json:"patternName"`
	Occurrences     int     `json:"occurrences"`
	AverageDuration float64 `json:"averageDuration"`
}

// Bottleneck is a step ranked by average duration.
type Bottleneck struct {
	Step            string  `json:"step"`
	AverageDuration float64 `json:"averageDuration"`
	Occurrences     int     `json:"occurrences"`
}

// ErrorPattern counts failures of one error type.
type ErrorPattern struct {
	ErrorType    string    `json:"errorType"`
	Occurrences  int       `json:"occurrences"`
	LastOccurred time.Time `json:"lastOccurred"`
}

// Report combines every analysis.
type Report struct {
	GeneratedAt   time.Time            `json:"generatedAt"`
	TotalRecords  int                  `json:"totalRecords"`
	Trends        Trends               `json:"trends"`
	Patterns      []PerformancePattern `json:"performancePatterns"`
	Bottlenecks   []Bottleneck         `json:"bottlenecks"`
	ErrorPatterns []ErrorPattern       `json:"errorPatterns"`
	Insights      []string             `json:"insights"`
}

const maxBottlenecks = 5

var buckets = []struct {
	name  string
	below int64 // exclusive upper bound in ms, 0 for the open bucket
}{
	{"Very Fast (<1s)", 1000},
	{"Fast (1-5s)", 5000},
	{"Medium (5-15s)", 15000},
	{"Slow (15-60s)", 60000},
	{"Very Slow (>60s)", 0},
}

func bucketOf(ms int64) int {
	for i, b := range buckets {
		if b.below == 0 || ms < b.below {
			return i
		}
	}
	return len(buckets) - 1
}

func isRun(r ExecutionRecord) bool  { return r.Kind == KindRun }
func isStep(r ExecutionRecord) bool { return r.Kind == KindStep }

// AnalyzeTrends aggregates run records. Windows are measured back from the
// current time at call.
func (h *History) AnalyzeTrends() Trends {
	runs := h.snapshot(isRun)
	if len(runs) == 0 {
		return Trends{Windows: map[string]WindowStats{}}
	}

	var total int64
	success := 0
	for _, r := range runs {
		total += r.DurationMs
		if r.Status == StatusSuccess {
			success++
		}
	}
	n := float64(len(runs))

	now := h.now()
	window := func(d time.Duration) WindowStats {
		since := now.Add(-d)
		var ws WindowStats
		var sum int64
		ok := 0
		for _, r := range runs {
			if r.Timestamp.Before(since) {
				continue
			}
			ws.Count++
			sum += r.DurationMs
			if r.Status == StatusSuccess {
				ok++
			}
		}
		div := float64(max(ws.Count, 1))
		ws.SuccessRate = float64(ok) / div
		ws.AvgDuration = float64(sum) / div
		return ws
	}

	return Trends{
		AverageDuration: float64(total) / n,
		SuccessRate:     float64(success) / n,
		FailureRate:     float64(len(runs)-success) / n,
		Windows: map[string]WindowStats{
			WindowLast24Hours: window(24 * time.Hour),
			WindowLast7Days:   window(7 * 24 * time.Hour),
			WindowLast30Days:  window(30 * 24 * time.Hour),
		},
	}
}

// IdentifyPerformancePatterns distributes run records across the fixed
// duration buckets, fastest first. Empty buckets are reported with zero
// occurrences.
func (h *History) IdentifyPerformancePatterns() []PerformancePattern {
	runs := h.snapshot(isRun)
	if len(runs) == 0 {
		return []PerformancePattern{}
	}
	counts := make([]int, len(buckets))
	sums := make([]int64, len(buckets))
	for _, r := range runs {
		i := bucketOf(r.DurationMs)
		counts[i]++
		sums[i] += r.DurationMs
	}
	out := make([]PerformancePattern, len(buckets))
	for i, b := range buckets {
		out[i] = PerformancePattern{PatternName: b.name, Occurrences: counts[i]}
		if counts[i] > 0 {
			out[i].AverageDuration = float64(sums[i]) / float64(counts[i])
		}
	}
	return out
}

// IdentifyBottlenecks returns the five slowest steps by average duration.
// Steps are grouped by the "step" metadata key; equal averages keep the
// order in which steps were first seen.
func (h *History) IdentifyBottlenecks() []Bottleneck {
	steps := h.snapshot(isStep)
	if len(steps) == 0 {
		return []Bottleneck{}
	}
	index := make(map[string]int)
	var out []Bottleneck
	var sums []int64
	for _, r := range steps {
		key := r.Step()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Bottleneck{Step: key})
			sums = append(sums, 0)
		}
		out[i].Occurrences++
		sums[i] += r.DurationMs
	}
	for i := range out {
		out[i].AverageDuration = float64(sums[i]) / float64(out[i].Occurrences)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AverageDuration > out[j].AverageDuration })
	if len(out) > maxBottlenecks {
		out = out[:maxBottlenecks]
	}
	return out
}

// AnalyzeErrorPatterns counts failures per error type across run and step
// records, in order of first occurrence.
func (h *History) AnalyzeErrorPatterns() []ErrorPattern {
	index := make(map[string]int)
	out := []ErrorPattern{}
	for _, r := range h.snapshot(nil) {
		if r.Status != StatusFailure || r.ErrorType == "" {
			continue
		}
		i, ok := index[r.ErrorType]
		if !ok {
			i = len(out)
			index[r.ErrorType] = i
			out = append(out, ErrorPattern{ErrorType: r.ErrorType, LastOccurred: r.Timestamp})
		}
		out[i].Occurrences++
		if r.Timestamp.After(out[i].LastOccurred) {
			out[i].LastOccurred = r.Timestamp
		}
	}
	return out
}

// GenerateInsights derives human-readable findings.
func (h *History) GenerateInsights() []string {
	return insights(h.AnalyzeTrends(), h.IdentifyBottlenecks(), h.AnalyzeErrorPatterns())
}

func insights(t Trends, b []Bottleneck, e []ErrorPattern) []string {
	out := []string{}
	if t.FailureRate > 0.1 {
		out = append(out, "High failure rate detected. Investigate error patterns.")
	}
	if len(b) > 0 && b[0].AverageDuration > 60000 {
		out = append(out, fmt.Sprintf("Step %q averages %.1fs and is the main bottleneck.", b[0].Step, b[0].AverageDuration/1000))
	}
	if w, ok := t.Windows[WindowLast24Hours]; ok && w.Count > 0 && w.SuccessRate < t.SuccessRate-0.1 {
		out = append(out, "Success rate over the last 24 hours is below the overall average.")
	}
	if len(e) > 0 {
		top := e[0]
		for _, p := range e[1:] {
			if p.Occurrences > top.Occurrences {
				top = p
			}
		}
		if top.Occurrences >= 3 {
			out = append(out, fmt.Sprintf("Error type %s occurred %d times.", top.ErrorType, top.Occurrences))
		}
	}
	return out
}

// Analyze combines every analysis into one report.
func (h *History) Analyze() Report {
	t := h.AnalyzeTrends()
	b := h.IdentifyBottlenecks()
	e := h.AnalyzeErrorPatterns()
	return Report{
		GeneratedAt:   h.now(),
		TotalRecords:  h.Len(),
		Trends:        t,
		Patterns:      h.IdentifyPerformancePatterns(),
		Bottlenecks:   b,
		ErrorPatterns: e,
		Insights:      insights(t, b, e),
	}
}
