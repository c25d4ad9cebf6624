// Package report renders decoded flight logs as a JSON summary and a PDF.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
)

// ChannelStats summarizes one series.
type ChannelStats struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

type DiagnosticCounts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
}

// Summary is the serializable outcome of reading one log.
type Summary struct {
	File            string                `json:"file"`
	SHA256          string                `json:"sha256"`
	Size            int64                 `json:"size"`
	Version         string                `json:"version"`
	Start           time.Time             `json:"start"`
	DurationSeconds float64               `json:"durationSeconds"`
	FramesPerSecond float64               `json:"framesPerSecond"`
	FrameCount      int                   `json:"frameCount"`
	Stride          int                   `json:"stride"`
	MotorPoles      int                   `json:"motorPoles"`
	DisarmReason    uint8                 `json:"disarmReason"`
	Channels        []string              `json:"channels"`
	Derived         []string              `json:"derived,omitempty"`
	Inexact         bool                  `json:"inexact"`
	Rates           [3]blackbox.Rates     `json:"rates"`
	PIDGains        [3][5]float64         `json:"pidGains"`
	FlightModes     int                   `json:"flightModes"`
	Highlights      int                   `json:"highlights"`
	Stats           []ChannelStats        `json:"stats"`
	Counts          DiagnosticCounts      `json:"counts"`
	Diagnostics     []blackbox.Diagnostic `json:"diagnostics"`
	Generated       time.Time             `json:"generated"`
}

// Summarize collects the header, channel statistics and diagnostics of l.
// name is recorded as the file name; the hash covers l.Raw.
func Summarize(l *blackbox.Log, name string) Summary {
	h := l.Header
	sum := Summary{
		File:            filepath.Base(name),
		SHA256:          common.Sha256OfBytes(l.Raw),
		Size:            int64(len(l.Raw)),
		Version:         fmt.Sprintf("%d.%d.%d", h.Version[0], h.Version[1], h.Version[2]),
		Start:           h.Start.UTC(),
		DurationSeconds: h.Duration,
		FramesPerSecond: h.FramesPerSecond(),
		FrameCount:      l.FrameCount,
		Stride:          h.Stride,
		MotorPoles:      h.MotorPoles,
		DisarmReason:    h.DisarmReason,
		Channels:        append([]string(nil), h.Channels()...),
		Inexact:         l.Inexact,
		Rates:           h.Rates,
		PIDGains:        h.PIDGains,
		FlightModes:     len(l.FlightModes),
		Highlights:      len(l.Highlights),
		Diagnostics:     l.Diagnostics,
		Generated:       time.Now().UTC(),
	}
	logged := make(map[string]bool, len(sum.Channels))
	for _, c := range sum.Channels {
		logged[c] = true
	}
	for _, f := range l.Flags {
		if !logged[f] {
			sum.Derived = append(sum.Derived, f)
		}
	}
	for _, name := range l.SeriesNames() {
		if st, ok := seriesStats(name, l.Series(name)); ok {
			sum.Stats = append(sum.Stats, st)
		}
	}
	counts := blackbox.CountBySeverity(l.Diagnostics)
	sum.Counts = DiagnosticCounts{
		Errors:   counts[blackbox.SeverityError],
		Warnings: counts[blackbox.SeverityWarning],
		Infos:    counts[blackbox.SeverityInfo],
	}
	return sum
}

func seriesStats(name string, v []float64) (ChannelStats, bool) {
	st := ChannelStats{Name: name, Min: math.Inf(1), Max: math.Inf(-1)}
	n := 0
	total := 0.0
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		st.Min = math.Min(st.Min, x)
		st.Max = math.Max(st.Max, x)
		total += x
		n++
	}
	if n == 0 {
		return ChannelStats{}, false
	}
	st.Mean = total / float64(n)
	return st, true
}

// Pass reports whether the log decoded without error diagnostics.
func (s Summary) Pass() bool {
	return s.Counts.Errors == 0
}

func SaveSummaryJSON(sum Summary, out string) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadSummaryJSON(path string) (Summary, error) {
	var sum Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(b, &sum)
	return sum, err
}
