package session

import (
	"fmt"
	"time"

	"example.com/kolibri/internal/bytecodec"
)

const statusPayloadLen = 9

// FlightStatus is the decoded STATUS response.
type FlightStatus struct {
	Voltage               float64   `json:"voltage"`
	Armed                 bool      `json:"armed"`
	FlightMode            uint8     `json:"flightMode"`
	ArmingDisableFlags    uint32    `json:"armingDisableFlags"`
	ConfiguratorConnected bool      `json:"configuratorConnected"`
	Updated               time.Time `json:"updated"`
}

// ParseFlightStatus decodes voltage u16 (centivolts), armed u8, flight mode
// u8, arming-disable flags u32 and configurator-connected u8.
func ParseFlightStatus(p []byte) (FlightStatus, error) {
	if len(p) < statusPayloadLen {
		return FlightStatus{}, fmt.Errorf("status payload too short: %d bytes", len(p))
	}
	return FlightStatus{
		Voltage:               float64(bytecodec.Uint(p, 0, 2)) / 100,
		Armed:                 p[2] != 0,
		FlightMode:            p[3],
		ArmingDisableFlags:    uint32(bytecodec.Uint(p, 4, 4)),
		ConfiguratorConnected: p[8] != 0,
	}, nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Connected bool          `json:"connected"`
	Enabled   bool          `json:"enabled"`
	Address   string        `json:"address,omitempty"`
	Latency   time.Duration `json:"latency"`
	LastPing  time.Time     `json:"lastPing,omitempty"`
	Pending   []PendingInfo `json:"pending"`
	Flight    *FlightStatus `json:"flight,omitempty"`
}

// PendingInfo describes an in-flight request.
type PendingInfo struct {
	Fn           string        `json:"fn"`
	Attempts     int           `json:"attempts"`
	Age          time.Duration `json:"age"`
	CallbackData any           `json:"callbackData,omitempty"`
}
