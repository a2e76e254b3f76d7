// Package metrics records per-item timing for a run and summarizes it into
// JSON or Markdown reports.
package metrics

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metric is the timing and outcome of one transform call.
type Metric struct {
	Key   string          `json:"key"`
	Input json.RawMessage `json:"input_item"`
	Start time.Time       `json:"start_time"`
	End   time.Time       `json:"end_time"`

	Success bool   `json:"success"`
	Error   string `json:"error_message,omitempty"`
}

// New builds a Metric. The input is kept as JSON when it can be marshaled
// and as its %v rendition otherwise.
func New(key string, input any, start, end time.Time, err error) Metric {
	m := Metric{
		Key:     key,
		Input:   encodeInput(input),
		Start:   start,
		End:     end,
		Success: err == nil,
	}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func encodeInput(input any) json.RawMessage {
	if data, err := json.Marshal(input); err == nil {
		return data
	}
	data, _ := json.Marshal(fmt.Sprintf("%v", input))
	return data
}

// Duration is the wall-clock time the call took.
func (m Metric) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// Display renders the input for report tables.
func (m Metric) Display() string {
	if len(m.Input) == 0 {
		return m.Key
	}
	return string(m.Input)
}
