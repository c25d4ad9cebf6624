package blackbox

import (
	"fmt"

	"example.com/kolibri/internal/bytecodec"
)

// Record type tags of the unescaped body.
const (
	TagFrame      byte = 0
	TagFlightMode byte = 1
	TagHighlight  byte = 2
	TagGPS        byte = 3
	TagELRS       byte = 4
	TagVBat       byte = 5
	TagLink       byte = 6
	TagSync       byte = 'S'
)

const (
	gpsPayloadLen  = 92
	elrsPayloadLen = 6
	vbatPayloadLen = 2
	linkPayloadLen = 11
	// "YNC" plus the dead-time body
	syncPayloadLen = 3 + syncDeadTime
)

var payloadLen = map[byte]int{
	TagFlightMode: 1,
	TagHighlight:  0,
	TagGPS:        gpsPayloadLen,
	TagELRS:       elrsPayloadLen,
	TagVBat:       vbatPayloadLen,
	TagLink:       linkPayloadLen,
	TagSync:       syncPayloadLen,
}

// Observation is an out-of-band record seen before regular frame Frame. Pos
// is the offset of its payload in the unescaped body.
type Observation struct {
	Frame int
	Pos   int
}

// Span is the frame range [Frame, Last] an observation stays valid for.
type Span struct {
	Observation
	Last int
}

// Event is a flight-mode change taking effect at Frame.
type Event struct {
	Frame int   `json:"frame"`
	Mode  uint8 `json:"mode"`
}

// SyncRecord is a decoded sync marker.
type SyncRecord struct {
	Frame   int    `json:"frame"`
	Pos     int    `json:"pos"`
	Control byte   `json:"control"`
	Ref     uint32 `json:"ref"`
}

// Sync control bits: events seen since the previous sync.
const (
	SyncHighlight  byte = 1 << 0
	SyncFlightMode byte = 1 << 1
)

// Scan is the result of one pass over an unescaped body.
type Scan struct {
	// FramePos holds the payload offset of every regular frame.
	FramePos    []int
	FlightModes []Event
	Highlights  []int
	Syncs       []SyncRecord
	Diagnostics []Diagnostic

	observed map[byte][]Observation
}

// FrameCount is the number of complete regular frames.
func (s *Scan) FrameCount() int { return len(s.FramePos) }

// Observations lists the records of an out-of-band tag in body order.
func (s *Scan) Observations(tag byte) []Observation { return s.observed[tag] }

// Spans turns the observations of tag into validity ranges: each lasts until
// the frame before the next observation of the same tag, the final one until
// the last frame. Observations made after the last frame are dropped.
func (s *Scan) Spans(tag byte) []Span {
	obs := s.observed[tag]
	last := s.FrameCount() - 1
	spans := make([]Span, 0, len(obs))
	for i, o := range obs {
		if o.Frame > last {
			break
		}
		end := last
		if i+1 < len(obs) && obs[i+1].Frame-1 < end {
			end = obs[i+1].Frame - 1
		}
		if end < o.Frame {
			continue
		}
		spans = append(spans, Span{Observation: o, Last: end})
	}
	return spans
}

// ScanBody walks an unescaped body once, classifying records by their tag.
// Unknown tags are skipped one byte at a time and reported as a desync; a
// record cut off by the end of the body ends the scan.
func ScanBody(body []byte, stride int) *Scan {
	s := &Scan{observed: make(map[byte][]Observation)}
	desyncStart, desyncLen := -1, 0
	flushDesync := func() {
		if desyncLen == 0 {
			return
		}
		d := Diagnostic{
			Severity: SeverityWarning,
			Code:     CodeDesync,
			Offset:   desyncStart,
			Frame:    len(s.FramePos),
			Message:  fmt.Sprintf("skipped %d byte(s) with unknown record tag 0x%02x", desyncLen, body[desyncStart]),
		}
		logDiagnostic(d)
		s.Diagnostics = append(s.Diagnostics, d)
		desyncStart, desyncLen = -1, 0
	}

	pos := 0
	for pos < len(body) {
		tag := body[pos]
		n, known := payloadLen[tag]
		if tag == TagFrame {
			n, known = stride, true
		}
		if tag == TagSync && !isSyncMarker(body[pos:]) {
			known = false
		}
		if !known {
			if desyncLen == 0 {
				desyncStart = pos
			}
			desyncLen++
			pos++
			continue
		}
		flushDesync()
		if pos+1+n > len(body) {
			d := Diagnostic{
				Severity: SeverityWarning,
				Code:     CodeTruncated,
				Offset:   pos,
				Frame:    len(s.FramePos),
				Message:  fmt.Sprintf("record tag %d needs %d bytes, %d left", tag, n, len(body)-pos-1),
			}
			logDiagnostic(d)
			s.Diagnostics = append(s.Diagnostics, d)
			break
		}
		p := pos + 1
		frame := len(s.FramePos)
		switch tag {
		case TagFrame:
			s.FramePos = append(s.FramePos, p)
		case TagFlightMode:
			s.FlightModes = append(s.FlightModes, Event{Frame: frame, Mode: body[p]})
		case TagHighlight:
			s.Highlights = append(s.Highlights, frame)
		case TagSync:
			rec := SyncRecord{
				Frame:   frame,
				Pos:     pos,
				Control: body[p+3],
				Ref:     uint32(bytecodec.Uint(body, p+4, 4)),
			}
			if int(rec.Ref) != frame {
				d := Diagnostic{
					Severity: SeverityInfo,
					Code:     CodeSync,
					Offset:   pos,
					Frame:    frame,
					Message:  fmt.Sprintf("sync marker references frame %d", rec.Ref),
				}
				s.Diagnostics = append(s.Diagnostics, d)
			}
			s.Syncs = append(s.Syncs, rec)
		default:
			s.observed[tag] = append(s.observed[tag], Observation{Frame: frame, Pos: p})
		}
		pos = p + n
	}
	flushDesync()
	return s
}

func isSyncMarker(b []byte) bool {
	if len(b) < len(syncMarker) {
		return false
	}
	for i, c := range syncMarker {
		if b[i] != c {
			return false
		}
	}
	return true
}
