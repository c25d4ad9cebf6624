package msp

const (
	preambleLen = 3

	jumboMarker = 0xFF
	v2InV1Cmd   = 0xFF

	// v2 sub-header carried inside a v1 frame: flag, cmd lo/hi, len lo/hi
	// plus the crc trailer.
	v2TunnelOverhead = 6

	maxV1Len     = 254
	maxTunnelLen = maxV1Len - v2TunnelOverhead
)

// EffectiveVersion returns the version a frame is actually encoded with.
// Oversized payloads upgrade to the jumbo layout; a jumbo request is never
// downgraded. Function codes that do not fit the single v1 command byte are
// tunnelled as v2 over v1.
func EffectiveVersion(v Version, fn Fn, payloadLen int) Version {
	if v == 0 {
		return V2
	}
	switch v {
	case V1, V1Jumbo:
		if fn >= v2InV1Cmd {
			if v == V1Jumbo || payloadLen > maxTunnelLen {
				return V2OverV1Jumbo
			}
			return V2OverV1
		}
		if payloadLen > maxV1Len {
			return V1Jumbo
		}
	case V2OverV1:
		if payloadLen > maxTunnelLen {
			return V2OverV1Jumbo
		}
	}
	return v
}

// Encode builds the wire bytes for c. The version written on the wire is
// EffectiveVersion(c.Version, c.Fn, len(c.Payload)).
func Encode(c Command) []byte {
	n := len(c.Payload)
	v := EffectiveVersion(c.Version, c.Fn, n)
	dir := c.Direction
	if dir == 0 {
		dir = Request
	}

	marker := byte('M')
	if v == V2 {
		marker = 'X'
	}
	buf := make([]byte, 0, n+16)
	buf = append(buf, '$', marker, byte(dir))

	lo, hi := byte(c.Fn), byte(c.Fn>>8)
	nlo, nhi := byte(n), byte(n>>8)
	tunnel := n + v2TunnelOverhead
	switch v {
	case V1:
		buf = append(buf, byte(n), byte(c.Fn))
	case V1Jumbo:
		buf = append(buf, jumboMarker, nlo, nhi, byte(c.Fn))
	case V2:
		buf = append(buf, c.Flag, lo, hi, nlo, nhi)
	case V2OverV1:
		buf = append(buf, byte(tunnel), v2InV1Cmd, c.Flag, lo, hi, nlo, nhi)
	case V2OverV1Jumbo:
		buf = append(buf, jumboMarker, byte(tunnel), byte(tunnel>>8), v2InV1Cmd, c.Flag, lo, hi, nlo, nhi)
	}
	crcStart := len(buf) - 5
	buf = append(buf, c.Payload...)

	switch v {
	case V1, V1Jumbo:
		buf = append(buf, XorChecksum(buf[preambleLen:]))
	case V2:
		buf = append(buf, Crc8(buf[crcStart:]))
	case V2OverV1, V2OverV1Jumbo:
		buf = append(buf, Crc8(buf[crcStart:]))
		buf = append(buf, XorChecksum(buf[preambleLen:]))
	}
	return buf
}

// EncodeRequest is shorthand for a request frame.
func EncodeRequest(fn Fn, payload []byte, v Version) []byte {
	return Encode(Command{Fn: fn, Direction: Request, Payload: payload, Version: v})
}
