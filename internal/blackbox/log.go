// Package blackbox reads, derives and re-encodes the flight controller's
// binary flight logs: a 256-byte header followed by an escaped stream of
// tagged records.
package blackbox

import (
	"os"
	"sort"

	"golang.org/x/xerrors"
)

// Log is a decoded flight log.
type Log struct {
	Header     *Header `json:"header"`
	FrameCount int     `json:"frameCount"`
	// Flags lists the enabled channels followed by the names of generated
	// series added by Derive.
	Flags       []string     `json:"flags"`
	Data        LogData      `json:"-"`
	FrameLoaded []uint8      `json:"-"`
	FlightModes []Event      `json:"flightModes"`
	Highlights  []int        `json:"highlights"`
	Syncs       []SyncRecord `json:"syncs"`
	// Inexact is set when a derived series only approximates the flight
	// controller's own computation.
	Inexact     bool         `json:"inexact"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	// Raw is the file as read, escaped body included.
	Raw []byte `json:"-"`
}

// Parse decodes a complete file. A magic mismatch is returned as *MagicError.
func Parse(b []byte) (*Log, error) {
	h, diags, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	body := Unescape(b[HeaderSize:])
	s := ScanBody(body, h.Stride)

	l := &Log{
		Header:      h,
		FrameCount:  s.FrameCount(),
		Flags:       append([]string(nil), h.Layout.Names...),
		Data:        make(LogData),
		FrameLoaded: make([]uint8, s.FrameCount()),
		FlightModes: s.FlightModes,
		Highlights:  s.Highlights,
		Syncs:       s.Syncs,
		Diagnostics: append(diags, s.Diagnostics...),
		Raw:         b,
	}
	for i := range l.FrameLoaded {
		l.FrameLoaded[i] = LoadedRegular
	}
	decodeFrames(body, h, s, l.Data)
	decodeOutOfBand(body, h, s, l.Data, l.FrameLoaded)
	return l, nil
}

// NewLog returns an empty log of frames regular frames for h, as produced by
// a recorder before any series is filled in. Every frame is marked regular.
func NewLog(h *Header, frames int) *Log {
	l := &Log{
		Header:      h,
		FrameCount:  frames,
		Flags:       append([]string(nil), h.Layout.Names...),
		Data:        make(LogData),
		FrameLoaded: make([]uint8, frames),
	}
	for i := range l.FrameLoaded {
		l.FrameLoaded[i] = LoadedRegular
	}
	return l
}

// SetSeries stores values as the named column, padded or cut to FrameCount.
func (l *Log) SetSeries(name string, values []float64) {
	col := make([]float64, l.FrameCount)
	copy(col, values)
	l.Data[name] = col
}

// MarkLoaded flags frame i as carrying an observation of the category mask.
func (l *Log) MarkLoaded(i int, mask uint8) {
	if i >= 0 && i < len(l.FrameLoaded) {
		l.FrameLoaded[i] |= mask
	}
}

// ParseFile reads and decodes the file at path.
func ParseFile(path string) (*Log, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("blackbox: read %s: %w", path, err)
	}
	l, err := Parse(b)
	if err != nil {
		return nil, xerrors.Errorf("blackbox: parse %s: %w", path, err)
	}
	return l, nil
}

// FramesPerSecond is the sample rate of the log.
func (l *Log) FramesPerSecond() float64 { return l.Header.FramesPerSecond() }

// Series returns a decoded or derived column, nil when absent.
func (l *Log) Series(name string) []float64 { return l.Data[name] }

// SeriesNames lists the available columns in sorted order.
func (l *Log) SeriesNames() []string {
	names := make([]string, 0, len(l.Data))
	for k := range l.Data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HasFlag reports whether a channel is enabled or a generated series exists.
func (l *Log) HasFlag(name string) bool { return hasFlag(l.Flags, name) }

// Skip returns a copy keeping every nth frame. Events move to the kept frame
// at or before them; the divider in the copied header is scaled so the
// sample rate stays correct.
func (l *Log) Skip(n int) *Log {
	if n <= 1 {
		return l
	}
	count := (l.FrameCount + n - 1) / n
	h := *l.Header
	if h.FreqDiv == 0 {
		h.FreqDiv = 1
	}
	h.FreqDiv *= n
	out := &Log{
		Header:      &h,
		FrameCount:  count,
		Flags:       append([]string(nil), l.Flags...),
		Data:        make(LogData, len(l.Data)),
		FrameLoaded: make([]uint8, count),
		Inexact:     l.Inexact,
		Diagnostics: l.Diagnostics,
	}
	for name, col := range l.Data {
		kept := make([]float64, count)
		for i := range kept {
			kept[i] = col[i*n]
		}
		out.Data[name] = kept
	}
	for i := range out.FrameLoaded {
		out.FrameLoaded[i] = l.FrameLoaded[i*n]
	}
	for _, e := range l.FlightModes {
		out.FlightModes = append(out.FlightModes, Event{Frame: e.Frame / n, Mode: e.Mode})
	}
	for _, f := range l.Highlights {
		out.Highlights = append(out.Highlights, f/n)
	}
	return out
}
