package blackbox

import (
	"errors"
	"fmt"
	"time"

	"example.com/kolibri/internal/bytecodec"
	"golang.org/x/xerrors"
)

// HeaderSize is the fixed size of the file header preceding the record body.
const HeaderSize = 256

// Magic identifies a blackbox file (little-endian in bytes 0..7).
const Magic uint64 = 0x0001494C4F4BDFDC

const (
	offVersion      = 8
	offStart        = 11
	offDuration     = 15
	offPIDFreq      = 19
	offFreqDiv      = 20
	offRanges       = 21
	offRates        = 22
	offPIDs         = 82
	offFlags        = 142
	offMotorPoles   = 150
	offDisarmReason = 151
	offSyncInterval = 152
	offStride       = 154
)

var (
	pidFreqTable    = []int{3200}
	gyroRangeTable  = []int{2000, 1000, 500, 250, 125}
	accelRangeTable = []int{2, 4, 8, 16}
	// nice representation of a gain is raw >> shift, per column P, I, D, FF, S
	pidNiceShift = [5]uint{11, 3, 16, 8, 8}
)

var (
	ErrShortHeader    = errors.New("blackbox: file shorter than header")
	ErrStrideMismatch = errors.New("blackbox: header frame stride smaller than channel layout")
)

// MagicError reports a header that does not start with Magic. Error returns
// the value found as lowercase hex so callers can log what was actually read.
type MagicError struct {
	Found uint64
}

func (e *MagicError) Error() string { return fmt.Sprintf("%x", e.Found) }

// MagicBytes is Magic as it appears at the start of a file.
func MagicBytes() []byte { return bytecodec.AppendUint(nil, 8, Magic) }

// Rates are the actual-rates curve coefficients of one axis.
type Rates struct {
	Center float64 `json:"center"`
	Max    float64 `json:"max"`
	Expo   float64 `json:"expo"`
}

// Header is the decoded 256-byte file header.
type Header struct {
	Version      [3]byte       `json:"version"`
	Start        time.Time     `json:"start"`
	Duration     float64       `json:"durationSeconds"`
	PIDFreq      int           `json:"pidFreq"`
	FreqDiv      int           `json:"freqDiv"`
	GyroRange    int           `json:"gyroRange"`
	AccelRange   int           `json:"accelRange"`
	Rates        [3]Rates      `json:"rates"`
	PIDGains     [3][5]float64 `json:"pidGains"`
	PIDNice      [3][5]int64   `json:"pidNice"`
	Bitmap       uint64        `json:"bitmap"`
	MotorPoles   int           `json:"motorPoles"`
	DisarmReason uint8         `json:"disarmReason"`
	SyncInterval int           `json:"syncInterval"`
	// HeaderStride is the stride stored in the file, 0 when absent.
	HeaderStride int    `json:"headerStride"`
	Layout       Layout `json:"-"`
	// Stride is the stride used to walk regular frames.
	Stride int `json:"stride"`

	raw [HeaderSize]byte
}

// FramesPerSecond is the logging rate: PID loop frequency over the divider.
func (h *Header) FramesPerSecond() float64 {
	if h.FreqDiv == 0 {
		return float64(h.PIDFreq)
	}
	return float64(h.PIDFreq) / float64(h.FreqDiv)
}

// Channels lists the enabled channel names in bitmap order.
func (h *Header) Channels() []string { return h.Layout.Names }

// ParseHeader decodes the header at the start of b. The returned diagnostics
// are non-fatal findings such as a header stride wider than the layout.
func ParseHeader(b []byte) (*Header, []Diagnostic, error) {
	if len(b) < HeaderSize {
		return nil, nil, ErrShortHeader
	}
	if m := bytecodec.Uint(b, 0, 8); m != Magic {
		return nil, nil, &MagicError{Found: m}
	}
	h := &Header{}
	copy(h.raw[:], b[:HeaderSize])
	copy(h.Version[:], b[offVersion:offVersion+3])
	h.Start = time.Unix(int64(bytecodec.Uint(b, offStart, 4)), 0).UTC()
	h.Duration = float64(bytecodec.Uint(b, offDuration, 4)) / 1000
	h.PIDFreq = tableValue(pidFreqTable, int(b[offPIDFreq]))
	h.FreqDiv = int(b[offFreqDiv])
	h.GyroRange = tableValue(gyroRangeTable, int(b[offRanges]>>2)&0x7)
	h.AccelRange = tableValue(accelRangeTable, int(b[offRanges])&0x3)
	for axis := 0; axis < 3; axis++ {
		o := offRates + axis*12
		h.Rates[axis] = Rates{
			Center: bytecodec.Fixed16_16(bytecodec.Int(b, o, 4)),
			Max:    bytecodec.Fixed16_16(bytecodec.Int(b, o+4, 4)),
			Expo:   bytecodec.Fixed16_16(bytecodec.Int(b, o+8, 4)),
		}
		for term := 0; term < 5; term++ {
			raw := bytecodec.Int(b, offPIDs+axis*20+term*4, 4)
			h.PIDNice[axis][term] = raw >> pidNiceShift[term]
			h.PIDGains[axis][term] = bytecodec.Fixed16_16(raw)
		}
	}
	h.Bitmap = bytecodec.Uint(b, offFlags, 8)
	h.MotorPoles = int(b[offMotorPoles])
	h.DisarmReason = b[offDisarmReason]
	h.SyncInterval = int(bytecodec.Uint(b, offSyncInterval, 2))
	h.HeaderStride = int(bytecodec.Uint(b, offStride, 2))
	h.Layout = LayoutFor(h.Bitmap)

	var diags []Diagnostic
	switch {
	case h.HeaderStride == 0 || h.HeaderStride == h.Layout.Stride:
		h.Stride = h.Layout.Stride
	case h.HeaderStride > h.Layout.Stride:
		h.Stride = h.HeaderStride
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Code:     CodeStride,
			Offset:   offStride,
			Message: fmt.Sprintf("header stride %d exceeds layout stride %d, trailing bytes skipped",
				h.HeaderStride, h.Layout.Stride),
		})
	default:
		return nil, nil, xerrors.Errorf("header %d, layout %d: %w", h.HeaderStride, h.Layout.Stride, ErrStrideMismatch)
	}
	return h, diags, nil
}

// Bytes renders the header. Fields this package does not interpret are
// carried over from the parsed file.
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	copy(b, h.raw[:])
	bytecodec.PutUint(b, 0, 8, Magic)
	copy(b[offVersion:], h.Version[:])
	if !h.Start.IsZero() {
		bytecodec.PutUint(b, offStart, 4, uint64(h.Start.Unix()))
	}
	bytecodec.PutUint(b, offDuration, 4, uint64(bytecodec.Round(h.Duration*1000)))
	b[offPIDFreq] = byte(tableIndex(pidFreqTable, h.PIDFreq))
	b[offFreqDiv] = byte(h.FreqDiv)
	b[offRanges] = byte(tableIndex(gyroRangeTable, h.GyroRange)<<2 | tableIndex(accelRangeTable, h.AccelRange))
	for axis := 0; axis < 3; axis++ {
		o := offRates + axis*12
		bytecodec.PutUint(b, o, 4, uint64(bytecodec.ToFixed16_16(h.Rates[axis].Center)))
		bytecodec.PutUint(b, o+4, 4, uint64(bytecodec.ToFixed16_16(h.Rates[axis].Max)))
		bytecodec.PutUint(b, o+8, 4, uint64(bytecodec.ToFixed16_16(h.Rates[axis].Expo)))
		for term := 0; term < 5; term++ {
			bytecodec.PutUint(b, offPIDs+axis*20+term*4, 4, uint64(bytecodec.ToFixed16_16(h.PIDGains[axis][term])))
		}
	}
	bytecodec.PutUint(b, offFlags, 8, h.Bitmap)
	b[offMotorPoles] = byte(h.MotorPoles)
	b[offDisarmReason] = h.DisarmReason
	bytecodec.PutUint(b, offSyncInterval, 2, uint64(h.SyncInterval))
	bytecodec.PutUint(b, offStride, 2, uint64(h.Stride))
	return b
}

// SetChannels replaces the enabled channel set and recomputes the layout.
func (h *Header) SetChannels(names []string) {
	h.Bitmap = BitmapFor(names)
	h.Layout = LayoutFor(h.Bitmap)
	h.Stride = h.Layout.Stride
	h.HeaderStride = h.Stride
}

func tableValue(table []int, i int) int {
	if i < 0 || i >= len(table) {
		return 0
	}
	return table[i]
}

func tableIndex(table []int, v int) int {
	for i, x := range table {
		if x == v {
			return i
		}
	}
	return 0
}
