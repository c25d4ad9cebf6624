package msp

type decodeState uint8

const (
	stateIdle decodeState = iota
	statePacketStart
	stateTypeV1
	stateLenV1
	stateJumboLenLo
	stateJumboLenHi
	stateCmdV1
	stateTypeV2
	stateFlag
	stateCmdLo
	stateCmdHi
	stateLenLo
	stateLenHi
	statePayload
	stateChecksumV2OverV1
	stateChecksumV1
	stateChecksumV2
)

// Decoder reassembles frames one byte at a time. Frames with a bad checksum
// or an unknown direction byte are dropped silently and the decoder returns
// to idle. The zero value is ready to use. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	state   decodeState
	cur     Command
	length  int
	v1      byte
	crc     byte
	dropped uint64
}

// Dropped reports how many frames failed validation since creation.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Reset discards any partially received frame.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.cur = Command{}
}

// Feed pushes p through the state machine and returns every frame completed
// along the way, in order.
func (d *Decoder) Feed(p []byte) []Command {
	var out []Command
	for _, b := range p {
		if c, ok := d.Push(b); ok {
			out = append(out, c)
		}
	}
	return out
}

// Push advances the state machine by one byte. It returns the finished
// command once its checksum(s) validate.
func (d *Decoder) Push(b byte) (Command, bool) {
	switch d.state {
	case stateIdle:
		if b == '$' {
			d.state = statePacketStart
		}
	case statePacketStart:
		switch b {
		case 'M':
			d.state = stateTypeV1
		case 'X':
			d.state = stateTypeV2
		default:
			d.state = stateIdle
		}
	case stateTypeV1:
		dir, ok := parseDirection(b)
		if !ok {
			d.fail()
			break
		}
		d.cur = Command{Direction: dir, Version: V1}
		d.v1 = 0
		d.state = stateLenV1
	case stateLenV1:
		d.v1 ^= b
		if b == jumboMarker {
			d.state = stateJumboLenLo
			break
		}
		d.length = int(b)
		d.state = stateCmdV1
	case stateJumboLenLo:
		d.v1 ^= b
		d.length = int(b)
		d.state = stateJumboLenHi
	case stateJumboLenHi:
		d.v1 ^= b
		d.length |= int(b) << 8
		d.cur.Version = V1Jumbo
		d.state = stateCmdV1
	case stateCmdV1:
		d.v1 ^= b
		if b == v2InV1Cmd {
			d.crc = 0
			d.state = stateFlag
			break
		}
		d.cur.Fn = Fn(b)
		d.beginPayload()
	case stateTypeV2:
		dir, ok := parseDirection(b)
		if !ok {
			d.fail()
			break
		}
		d.cur = Command{Direction: dir, Version: V2}
		d.crc = 0
		d.state = stateFlag
	case stateFlag:
		d.fold(b)
		d.cur.Flag = b
		d.state = stateCmdLo
	case stateCmdLo:
		d.fold(b)
		d.cur.Fn = Fn(b)
		d.state = stateCmdHi
	case stateCmdHi:
		d.fold(b)
		d.cur.Fn |= Fn(b) << 8
		switch d.cur.Version {
		case V1:
			d.cur.Version = V2OverV1
		case V1Jumbo:
			d.cur.Version = V2OverV1Jumbo
		}
		d.state = stateLenLo
	case stateLenLo:
		d.fold(b)
		d.length = int(b)
		d.state = stateLenHi
	case stateLenHi:
		d.fold(b)
		d.length |= int(b) << 8
		d.beginPayload()
	case statePayload:
		d.fold(b)
		d.cur.Payload = append(d.cur.Payload, b)
		if len(d.cur.Payload) == d.length {
			d.state = d.trailerState()
		}
	case stateChecksumV2OverV1:
		if b != d.crc {
			d.fail()
			break
		}
		d.v1 ^= b
		d.state = stateChecksumV1
	case stateChecksumV1:
		if b != d.v1 {
			d.fail()
			break
		}
		return d.finish(), true
	case stateChecksumV2:
		if b != d.crc {
			d.fail()
			break
		}
		return d.finish(), true
	}
	return Command{}, false
}

// fold updates both running checksums; only the ones relevant to the
// current version are ever compared.
func (d *Decoder) fold(b byte) {
	d.v1 ^= b
	d.crc = Crc8DvbS2(b, d.crc)
}

func (d *Decoder) beginPayload() {
	d.cur.Payload = make([]byte, 0, d.length)
	if d.length == 0 {
		d.state = d.trailerState()
		return
	}
	d.state = statePayload
}

func (d *Decoder) trailerState() decodeState {
	switch d.cur.Version {
	case V2:
		return stateChecksumV2
	case V2OverV1, V2OverV1Jumbo:
		return stateChecksumV2OverV1
	}
	return stateChecksumV1
}

func (d *Decoder) fail() {
	d.dropped++
	d.Reset()
}

func (d *Decoder) finish() Command {
	c := d.cur
	d.Reset()
	return c
}
