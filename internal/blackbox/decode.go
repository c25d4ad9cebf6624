package blackbox

import (
	"math"

	bc "example.com/kolibri/internal/bytecodec"
)

// LogData maps series names to one value per frame.
type LogData map[string][]float64

const (
	radToDeg     = 180 / math.Pi
	gravity      = 9.81
	accelLSB     = 2048
	baroLSB      = 4096
	seaLevelHpa  = 1013.25
	elrsBits     = 12
	elrsChannels = 4
)

// decodeFrames fills the in-band series of every enabled channel.
func decodeFrames(body []byte, h *Header, s *Scan, data LogData) {
	n := s.FrameCount()
	alloc := func(names ...string) [][]float64 {
		out := make([][]float64, len(names))
		for i, name := range names {
			out[i] = make([]float64, n)
			data[name] = out[i]
		}
		return out
	}
	i16 := func(p, o int) float64 { return float64(bc.Int(body, p+o, 2)) }

	for _, name := range h.Layout.Names {
		o := h.Layout.Offsets[name]
		c, _ := ChannelByName(name)
		if c.Width == 0 {
			continue
		}
		switch name {
		case LogRollSetpoint, LogPitchSetpoint, LogYawSetpoint,
			LogRollGyroRaw, LogPitchGyroRaw, LogYawGyroRaw:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = bc.Fixed12_4(bc.Int(body, p+o, 2))
			}
		case LogThrottleSetpoint:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = float64(bc.Uint(body, p+o, 2))/32 + 1000
			}
		case LogMotorOutputs:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				word := bc.Uint(body, p+o, 6)
				for m := 0; m < motorCount; m++ {
					cols[m][f] = float64(bc.Bits(word, uint(12*m), 12))
				}
			}
		case LogFrametime:
			cols := alloc(c.Series...)
			var t float64
			for f, p := range s.FramePos {
				ft := float64(bc.Uint(body, p+o, 2))
				t += ft
				cols[0][f] = ft
				cols[1][f] = t
			}
		case LogAltitude:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 64
			}
		case LogVVel:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 256
			}
		case LogAttRoll, LogAttPitch, LogAttYaw:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 10000 * radToDeg
			}
		case LogMotorRPM:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				word := bc.Uint(body, p+o, 6)
				for m := 0; m < motorCount; m++ {
					cols[m][f] = rpmFromField(bc.Bits(word, uint(12*m), 12), h.MotorPoles)
				}
			}
		case LogAccelRaw, LogAccelFiltered:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				for axis := 0; axis < 3; axis++ {
					cols[axis][f] = i16(p, o+2*axis) * gravity / accelLSB
				}
			}
		case LogVerticalAccel:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 128
			}
		case LogVVelSetpoint:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 4096
			}
		case LogMagHeading, LogCombinedHeading:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o) / 8192 * radToDeg
			}
		case LogHVel:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				cols[0][f] = i16(p, o) / 256
				cols[1][f] = i16(p, o+2) / 256
			}
		case LogBaro:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				raw := float64(bc.Uint(body, p+o, 3))
				hpa := raw / baroLSB
				cols[0][f] = raw
				cols[1][f] = hpa
				cols[2][f] = baroAltitude(hpa)
			}
		case LogDebug1, LogDebug2:
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = float64(bc.Int(body, p+o, 4))
			}
		case LogPIDSum:
			cols := alloc(c.Series...)
			for f, p := range s.FramePos {
				for axis := 0; axis < 3; axis++ {
					cols[axis][f] = i16(p, o+2*axis)
				}
			}
		default:
			// PID terms and the 16-bit debug channels are plain i16
			col := alloc(c.Series...)[0]
			for f, p := range s.FramePos {
				col[f] = i16(p, o)
			}
		}
	}
}

// rpmFromField unpacks the 12-bit eRPM period field: 9-bit mantissa, 3-bit
// exponent, 0xFFF meaning no telemetry.
func rpmFromField(v uint64, poles int) float64 {
	if v == rpmNoSignal || poles < 2 {
		return 0
	}
	period := float64((v & rpmMantissaMask) << (v >> 9))
	if period == 0 {
		return 0
	}
	return (60e6 + 50*period) / period / float64(poles)/2
}

// rpmToField is the inverse of rpmFromField, lossy in the mantissa.
func rpmToField(rpm float64, poles int) uint64 {
	if rpm <= 0 || poles < 2 {
		return rpmNoSignal
	}
	x := 1.0
	if denom := rpm*float64(poles)/2 - 50; denom > 0 {
		x = 60e6 / denom
	}
	if x < 1 {
		x = 1
	}
	xi := uint64(math.Floor(x))
	exp := uint64(0)
	for xi > rpmMantissaMask && exp < 7 {
		xi >>= 1
		exp++
	}
	return (xi & rpmMantissaMask) | exp<<9
}

func baroAltitude(hpa float64) float64 {
	return 44330 * (1 - math.Pow(hpa/seaLevelHpa, 1/5.255))
}

// outOfBand describes a record type decoded into held series.
type outOfBand struct {
	tag     byte
	channel string
	loaded  uint8
	series  []string
	decode  func(p []byte, vals []float64)
}

var outOfBandRecords = []outOfBand{
	{tag: TagELRS, channel: LogELRSRaw, loaded: LoadedELRS,
		series: []string{SeriesELRSRoll, SeriesELRSPitch, SeriesELRSThrottle, SeriesELRSYaw},
		decode: decodeELRS},
	{tag: TagGPS, channel: LogGPS, loaded: LoadedGPS, series: gpsSeries, decode: decodeGPS},
	{tag: TagVBat, channel: LogVBat, loaded: LoadedBattery, series: []string{SeriesVBat},
		decode: func(p []byte, vals []float64) { vals[0] = float64(bc.Uint(p, 0, 2)) / 100 }},
	{tag: TagLink, channel: LogLinkStats, loaded: LoadedLink, series: linkSeries, decode: decodeLink},
}

func decodeELRS(p []byte, vals []float64) {
	word := bc.Uint(p, 0, elrsPayloadLen)
	for i := 0; i < elrsChannels; i++ {
		vals[i] = float64(bc.Bits(word, uint(elrsBits*i), elrsBits))
	}
}

func decodeLink(p []byte, vals []float64) {
	vals[0] = float64(int8(p[0]))
	vals[1] = float64(int8(p[1]))
	vals[2] = float64(p[2])
	vals[3] = float64(int8(p[3]))
	vals[4] = float64(p[4])
	vals[5] = float64(bc.Uint(p, 5, 2))
	vals[6] = float64(bc.Uint(p, 7, 2))
	vals[7] = float64(bc.Uint(p, 9, 2))
}

// gpsField is one entry of the 92-byte navigation record, in gpsSeries order.
type gpsField struct {
	off, size int
	signed    bool
	scale     float64
}

var gpsLayout = []gpsField{
	{4, 2, false, 1}, {6, 1, false, 1}, {7, 1, false, 1}, {8, 1, false, 1},
	{9, 1, false, 1}, {10, 1, false, 1}, {11, 1, false, 1}, {12, 4, false, 1},
	{16, 4, true, 1}, {20, 1, false, 1}, {21, 1, false, 1}, {22, 1, false, 1},
	{23, 1, false, 1}, {24, 4, true, 1e7}, {28, 4, true, 1e7}, {36, 4, true, 1e3},
	{40, 4, false, 1e3}, {44, 4, false, 1e3}, {48, 4, true, 1e3}, {52, 4, true, 1e3},
	{56, 4, true, 1e3}, {60, 4, true, 1e3}, {64, 4, true, 1e5}, {68, 4, false, 1e3},
	{72, 4, false, 1e5}, {76, 2, false, 100}, {78, 2, false, 1},
}

func decodeGPS(p []byte, vals []float64) {
	for i, g := range gpsLayout {
		if g.signed {
			vals[i] = float64(bc.Int(p, g.off, g.size)) / g.scale
		} else {
			vals[i] = float64(bc.Uint(p, g.off, g.size)) / g.scale
		}
	}
}

func encodeGPS(vals []float64) []byte {
	p := make([]byte, gpsPayloadLen)
	for i, g := range gpsLayout {
		bc.PutUint(p, g.off, g.size, uint64(bc.Round(vals[i]*g.scale)))
	}
	return p
}

// decodeOutOfBand fills the held series of every enabled out-of-band channel
// and the per-frame loaded bits.
func decodeOutOfBand(body []byte, h *Header, s *Scan, data LogData, loaded []uint8) {
	n := s.FrameCount()
	for _, rec := range outOfBandRecords {
		if h.Bitmap&(1<<uint(mustChannel(rec.channel).Bit)) == 0 {
			continue
		}
		cols := make([][]float64, len(rec.series))
		for i, name := range rec.series {
			cols[i] = make([]float64, n)
			data[name] = cols[i]
		}
		vals := make([]float64, len(rec.series))
		for _, sp := range s.Spans(rec.tag) {
			rec.decode(body[sp.Pos:], vals)
			holdSpan(cols, vals, sp)
			loaded[sp.Frame] |= rec.loaded
		}
	}
	if len(s.FlightModes) > 0 || h.Bitmap&(1<<uint(mustChannel(LogFlightMode).Bit)) != 0 {
		col := make([]float64, n)
		for _, sp := range eventSpans(s.FlightModes, n) {
			holdSpan([][]float64{col}, []float64{float64(sp.mode)}, sp.Span)
		}
		data[SeriesFlightMode] = col
	}
}

func mustChannel(name string) Channel {
	c, ok := ChannelByName(name)
	if !ok {
		panic("blackbox: unknown channel " + name)
	}
	return c
}
