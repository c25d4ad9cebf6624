package blackbox

import (
	"bytes"
	"errors"
	"math"

	bc "example.com/kolibri/internal/bytecodec"
)

var ErrNoHeader = errors.New("blackbox: log has no header")

// EncodeOptions controls re-encoding of a log.
type EncodeOptions struct {
	// SyncInterval overrides the header's sync interval when positive.
	SyncInterval int
	// IncludeDerived enables the channels replaced by generated series so
	// they are written as if logged.
	IncludeDerived bool
	// Interpolate ramps out-of-band series between observed frames.
	Interpolate bool
}

// Encode writes a log back into the file format: the header with updated
// channel bitmap, stride and sync interval, then the escaped records.
// Out-of-band records are written on the frames they were observed and
// whenever their value changes.
func Encode(l *Log, opts EncodeOptions) ([]byte, error) {
	if l == nil || l.Header == nil {
		return nil, ErrNoHeader
	}
	h := *l.Header
	h.SetChannels(encodeChannels(l, opts.IncludeDerived))
	if opts.SyncInterval > 0 {
		h.SyncInterval = opts.SyncInterval
	}
	data := l.Data
	if opts.Interpolate {
		data = interpolated(l)
	}
	e := &encoder{log: l, h: &h, data: data}
	return append(h.Bytes(), e.body()...), nil
}

func encodeChannels(l *Log, derived bool) []string {
	var names []string
	for _, f := range l.Flags {
		if _, ok := ChannelByName(f); ok {
			names = append(names, f)
			continue
		}
		if !derived {
			continue
		}
		for _, r := range genRules {
			if r.name == f {
				names = append(names, r.replaces)
			}
		}
	}
	return names
}

func interpolated(l *Log) LogData {
	out := make(LogData, len(l.Data))
	for k, v := range l.Data {
		out[k] = v
	}
	for _, rec := range outOfBandRecords {
		for _, name := range rec.series {
			src, ok := l.Data[name]
			if !ok {
				continue
			}
			dst := append([]float64(nil), src...)
			InterpolateForExport(dst, l.FrameLoaded, rec.loaded)
			out[name] = dst
		}
	}
	return out
}

type encoder struct {
	log  *Log
	h    *Header
	data LogData
	w    escapeWriter
}

func (e *encoder) value(name string, i int) float64 {
	if c := e.data[name]; i < len(c) {
		return c[i]
	}
	return 0
}

func (e *encoder) values(names []string, i int) []float64 {
	out := make([]float64, len(names))
	for j, n := range names {
		out[j] = e.value(n, i)
	}
	return out
}

func (e *encoder) enabled(name string) bool {
	c, ok := ChannelByName(name)
	return ok && e.h.Bitmap&(1<<uint(c.Bit)) != 0
}

func (e *encoder) loaded(i int, mask uint8) bool {
	return i < len(e.log.FrameLoaded) && e.log.FrameLoaded[i]&mask != 0
}

func (e *encoder) body() []byte {
	var (
		lastGPS  = make([]byte, gpsPayloadLen)
		lastELRS = make([]byte, elrsPayloadLen)
		lastLink = make([]byte, linkPayloadLen)
		lastVBat = -1.0
	)
	var sinceSync byte
	fmIdx, hlIdx := 0, 0
	frame := make([]byte, e.h.Stride)
	for i := 0; i < e.log.FrameCount; i++ {
		for ; fmIdx < len(e.log.FlightModes) && e.log.FlightModes[fmIdx].Frame <= i; fmIdx++ {
			e.w.write(TagFlightMode, e.log.FlightModes[fmIdx].Mode)
			sinceSync |= SyncFlightMode
		}
		for ; hlIdx < len(e.log.Highlights) && e.log.Highlights[hlIdx] <= i; hlIdx++ {
			e.w.write(TagHighlight)
			sinceSync |= SyncHighlight
		}
		if e.enabled(LogGPS) {
			p := encodeGPS(e.values(gpsSeries, i))
			if e.loaded(i, LoadedGPS) || !bytes.Equal(p, lastGPS) {
				e.record(TagGPS, p)
				lastGPS = p
			}
		}
		if e.enabled(LogELRSRaw) {
			p := e.elrs(i)
			if e.loaded(i, LoadedELRS) || !bytes.Equal(p, lastELRS) {
				e.record(TagELRS, p)
				lastELRS = p
			}
		}
		if e.enabled(LogVBat) {
			v := e.value(SeriesVBat, i)
			if e.loaded(i, LoadedBattery) || v != lastVBat {
				e.record(TagVBat, bc.AppendUint(nil, 2, uint64(bc.Round(v*100))))
				lastVBat = v
			}
		}
		if e.enabled(LogLinkStats) {
			p := e.link(i)
			if e.loaded(i, LoadedLink) || !bytes.Equal(p, lastLink) {
				e.record(TagLink, p)
				lastLink = p
			}
		}
		if e.h.SyncInterval > 0 && i%e.h.SyncInterval == 0 {
			var body [syncDeadTime]byte
			body[0] = sinceSync
			bc.PutUint(body[:], 1, 4, uint64(i))
			e.w.writeSync(body)
			sinceSync = 0
		}
		for j := range frame {
			frame[j] = 0
		}
		e.frame(frame, i)
		e.record(TagFrame, frame)
	}
	return e.w.buf
}

func (e *encoder) record(tag byte, payload []byte) {
	e.w.write(tag)
	e.w.write(payload...)
}

func (e *encoder) elrs(i int) []byte {
	var word uint64
	for j, name := range []string{SeriesELRSRoll, SeriesELRSPitch, SeriesELRSThrottle, SeriesELRSYaw} {
		word = bc.SetBits(word, uint(elrsBits*j), elrsBits, uint64(bc.Round(e.value(name, i))))
	}
	return bc.AppendUint(nil, elrsPayloadLen, word)
}

func (e *encoder) link(i int) []byte {
	v := e.values(linkSeries, i)
	p := make([]byte, linkPayloadLen)
	for j := 0; j < 5; j++ {
		p[j] = byte(bc.Round(v[j]))
	}
	bc.PutUint(p, 5, 2, uint64(bc.Round(v[5])))
	bc.PutUint(p, 7, 2, uint64(bc.Round(v[6])))
	bc.PutUint(p, 9, 2, uint64(bc.Round(v[7])))
	return p
}

// frame fills one regular frame; the inverse of decodeFrames.
func (e *encoder) frame(b []byte, i int) {
	put := func(o, n int, v float64) { bc.PutUint(b, o, n, uint64(bc.Round(v))) }
	for _, name := range e.h.Layout.Names {
		c, _ := ChannelByName(name)
		if c.Width == 0 {
			continue
		}
		o := e.h.Layout.Offsets[name]
		v := func(k int) float64 { return e.value(c.Series[k], i) }
		switch name {
		case LogRollSetpoint, LogPitchSetpoint, LogYawSetpoint,
			LogRollGyroRaw, LogPitchGyroRaw, LogYawGyroRaw:
			bc.PutUint(b, o, 2, uint64(bc.ToFixed12_4(v(0))))
		case LogThrottleSetpoint:
			put(o, 2, (v(0)-1000)*32)
		case LogMotorOutputs:
			var word uint64
			for m := 0; m < motorCount; m++ {
				out := math.Max(0, math.Min(float64(twelveBitMask), v(m)))
				word = bc.SetBits(word, uint(12*m), 12, uint64(bc.Round(out)))
			}
			bc.PutUint(b, o, 6, word)
		case LogFrametime:
			put(o, 2, v(0))
		case LogAltitude:
			put(o, 2, v(0)*64)
		case LogVVel:
			put(o, 2, v(0)*256)
		case LogAttRoll, LogAttPitch, LogAttYaw:
			put(o, 2, v(0)/radToDeg*10000)
		case LogMotorRPM:
			var word uint64
			for m := 0; m < motorCount; m++ {
				word = bc.SetBits(word, uint(12*m), 12, rpmToField(v(m), e.h.MotorPoles))
			}
			bc.PutUint(b, o, 6, word)
		case LogAccelRaw, LogAccelFiltered:
			for axis := 0; axis < 3; axis++ {
				put(o+2*axis, 2, v(axis)*accelLSB/gravity)
			}
		case LogVerticalAccel:
			put(o, 2, v(0)*128)
		case LogVVelSetpoint:
			put(o, 2, v(0)*4096)
		case LogMagHeading, LogCombinedHeading:
			put(o, 2, v(0)/radToDeg*8192)
		case LogHVel:
			put(o, 2, v(0)*256)
			put(o+2, 2, v(1)*256)
		case LogBaro:
			put(o, 3, v(0))
		case LogDebug1, LogDebug2:
			put(o, 4, v(0))
		case LogPIDSum:
			for axis := 0; axis < 3; axis++ {
				put(o+2*axis, 2, v(axis))
			}
		default:
			put(o, 2, v(0))
		}
	}
}
