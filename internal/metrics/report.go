package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Report summarizes a list of metrics. Nil fields mean no items were seen.
type Report struct {
	TotalItems      int `json:"total_items"`
	SuccessfulItems int `json:"successful_items"`
	FailedCount     int `json:"failed_count"`

	AvgDuration *float64 `json:"avg_duration"`
	MinDuration *float64 `json:"min_duration"`
	MaxDuration *float64 `json:"max_duration"`

	ProcessingStart *string  `json:"processing_start"`
	ProcessingEnd   *string  `json:"processing_end"`
	TotalElapsed    *float64 `json:"total_elapsed"`

	SlowOutliers []Outlier `json:"slow_outliers"`
	FastOutliers []Outlier `json:"fast_outliers"`
	FailedItems  []Failure `json:"failed_items"`
}

// Outlier is an item whose duration lies beyond two sample standard
// deviations of the mean.
type Outlier struct {
	InputItem string  `json:"input_item"`
	Duration  float64 `json:"duration"`
}

// Failure is an item whose transform returned an error.
type Failure struct {
	InputItem    string `json:"input_item"`
	ErrorMessage string `json:"error_message"`
}

// Summarize computes a Report. Durations are in seconds.
func Summarize(ms []Metric) Report {
	r := Report{
		SlowOutliers: []Outlier{},
		FastOutliers: []Outlier{},
		FailedItems:  []Failure{},
	}
	if len(ms) == 0 {
		return r
	}

	durations := make([]float64, len(ms))
	var sum float64
	minD, maxD := math.Inf(1), math.Inf(-1)
	start, end := ms[0].Start, ms[0].End
	for i, m := range ms {
		d := m.Duration().Seconds()
		durations[i] = d
		sum += d
		minD = min(minD, d)
		maxD = max(maxD, d)
		if m.Start.Before(start) {
			start = m.Start
		}
		if m.End.After(end) {
			end = m.End
		}
		if !m.Success {
			r.FailedItems = append(r.FailedItems, Failure{InputItem: m.Display(), ErrorMessage: m.Error})
		}
	}

	avg := sum / float64(len(ms))
	elapsed := end.Sub(start).Seconds()
	startText := start.UTC().Format(time.RFC3339Nano)
	endText := end.UTC().Format(time.RFC3339Nano)

	r.TotalItems = len(ms)
	r.FailedCount = len(r.FailedItems)
	r.SuccessfulItems = r.TotalItems - r.FailedCount
	r.AvgDuration = &avg
	r.MinDuration = &minD
	r.MaxDuration = &maxD
	r.ProcessingStart = &startText
	r.ProcessingEnd = &endText
	r.TotalElapsed = &elapsed

	if len(ms) >= 2 {
		sd := sampleStdDev(durations, avg)
		for i, m := range ms {
			switch d := durations[i]; {
			case d > avg+2*sd:
				r.SlowOutliers = append(r.SlowOutliers, Outlier{InputItem: m.Display(), Duration: d})
			case d < avg-2*sd:
				r.FastOutliers = append(r.FastOutliers, Outlier{InputItem: m.Display(), Duration: d})
			}
		}
	}
	return r
}

func sampleStdDev(xs []float64, mean float64) float64 {
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// RenderJSON returns the report as indented JSON.
func RenderJSON(ms []Metric) ([]byte, error) {
	return json.MarshalIndent(Summarize(ms), "", "  ")
}

// RenderMarkdown returns the report as a Markdown document.
func RenderMarkdown(ms []Metric) string {
	r := Summarize(ms)

	lines := []string{"# Processing Metrics Report", ""}
	if r.TotalItems == 0 {
		lines = append(lines, "No items were processed.")
		return strings.Join(lines, "\n")
	}

	lines = append(lines,
		"## Summary",
		"",
		"| Metric | Value |",
		"|--------|-------|",
		fmt.Sprintf("| Total items processed | %d |", r.TotalItems),
		fmt.Sprintf("| Successful | %d |", r.SuccessfulItems),
		fmt.Sprintf("| Failed | %d |", r.FailedCount),
		fmt.Sprintf("| Average duration | %.4fs |", *r.AvgDuration),
		fmt.Sprintf("| Min duration | %.4fs |", *r.MinDuration),
		fmt.Sprintf("| Max duration | %.4fs |", *r.MaxDuration),
		fmt.Sprintf("| Processing start | %s |", *r.ProcessingStart),
		fmt.Sprintf("| Processing end | %s |", *r.ProcessingEnd),
		fmt.Sprintf("| Total elapsed | %.4fs |", *r.TotalElapsed),
		"",
	)

	lines = appendOutliers(lines, "## Slow Outliers (> mean + 2σ)", r.SlowOutliers)
	lines = appendOutliers(lines, "## Fast Outliers (< mean − 2σ)", r.FastOutliers)

	if len(r.FailedItems) > 0 {
		lines = append(lines, "## Failed Items", "", "| Input Item | Error |", "|------------|-------|")
		for _, f := range r.FailedItems {
			lines = append(lines, fmt.Sprintf("| %s | %s |", cell(f.InputItem), cell(f.ErrorMessage)))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func appendOutliers(lines []string, title string, outliers []Outlier) []string {
	if len(outliers) == 0 {
		return lines
	}
	lines = append(lines, title, "", "| Input Item | Duration |", "|------------|----------|")
	for _, o := range outliers {
		lines = append(lines, fmt.Sprintf("| %s | %.4fs |", cell(o.InputItem), o.Duration))
	}
	return append(lines, "")
}

// cell keeps table rows intact when a value holds pipes or newlines.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
