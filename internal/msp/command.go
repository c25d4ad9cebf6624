// Package msp implements the flight controller's framed request/response
// protocol: function codes, frame encoding for every protocol version and a
// byte-at-a-time decoder.
package msp

import "fmt"

// Direction is the third byte of every frame.
type Direction byte

const (
	Request  Direction = '<'
	Response Direction = '>'
	Error    Direction = '!'
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "request"
	case Response:
		return "response"
	case Error:
		return "error"
	}
	return fmt.Sprintf("direction(%#x)", byte(d))
}

func parseDirection(b byte) (Direction, bool) {
	switch Direction(b) {
	case Request, Response, Error:
		return Direction(b), true
	}
	return 0, false
}

// Version selects the header and trailer layout of a frame. The zero value
// means "unspecified" and encodes as V2.
type Version uint8

const (
	V1 Version = iota + 1
	V1Jumbo
	V2
	V2OverV1
	V2OverV1Jumbo
)

var versionNames = map[Version]string{
	V1:            "v1",
	V1Jumbo:       "v1jumbo",
	V2:            "v2",
	V2OverV1:      "v2overv1",
	V2OverV1Jumbo: "v2overv1jumbo",
}

func (v Version) String() string {
	if s, ok := versionNames[v]; ok {
		return s
	}
	return fmt.Sprintf("version(%d)", uint8(v))
}

// ParseVersion accepts the names produced by Version.String.
func ParseVersion(s string) (Version, error) {
	for v, name := range versionNames {
		if name == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol version %q", s)
}

// Command is a single decoded or to-be-encoded message. Flag is only carried
// by the v2 family.
type Command struct {
	Fn        Fn
	Direction Direction
	Flag      uint8
	Payload   []byte
	Version   Version
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s %s len=%d", c.Version, c.Direction, c.Fn, len(c.Payload))
}
