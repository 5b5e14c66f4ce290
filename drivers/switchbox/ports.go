package switchbox

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	PortChannels = 8
	Channels     = 32
)

type ChannelState int

const (
	StateOff  ChannelState = 0
	StateHalf ChannelState = 1
	StateFull ChannelState = 2
)

func (cs ChannelState) Valid() bool {
	return cs >= StateOff && cs <= StateFull
}

func (cs ChannelState) String() string {
	switch cs {
	case StateOff:
		return "off"
	case StateHalf:
		return "half"
	case StateFull:
		return "full"
	}
	return "invalid"
}

type Port string

const (
	PortA Port = "a"
	PortB Port = "b"
	PortC Port = "c"
	PortD Port = "d"
)

// Ports in the order the instrument reports them.
var Ports = []Port{PortA, PortB, PortC, PortD}

type PortStates map[Port][]ChannelState

func ParsePort(s string) (Port, error) {
	port := Port(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Ports {
		if port == known {
			return port, nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "unknown port %q", s)
}

// ResolveChannel maps a global channel (1..32) onto its port and the
// local channel (1..8) within it.
func ResolveChannel(channel int) (Port, int, error) {
	if channel < 1 || channel > Channels {
		return "", 0, errors.Wrapf(ErrValidation, "channel %d out of range 1..%d", channel, Channels)
	}
	return Ports[(channel-1)/PortChannels], (channel-1)%PortChannels + 1, nil
}

// PackWord encodes up to 8 channel states into a port word. The high byte
// is the power1 plane, the low byte power2; bit i-1 of each plane belongs
// to local channel i, so channel 8 sits in the plane's top bit. Half power
// raises only the power1 bit, full power raises both. Short vectors are
// padded with off.
func PackWord(states []ChannelState) (uint16, error) {
	if len(states) > PortChannels {
		return 0, errors.Wrapf(ErrValidation, "got %d channel states, a port has %d channels", len(states), PortChannels)
	}

	var power1, power2 uint16
	for i, state := range states {
		switch state {
		case StateOff:
		case StateHalf:
			power1 |= 1 << i
		case StateFull:
			power1 |= 1 << i
			power2 |= 1 << i
		default:
			return 0, errors.Wrapf(ErrValidation, "channel state %d out of range", state)
		}
	}

	return power1<<8 | power2, nil
}

// UnpackWord decodes a port word back into 8 channel states, each the sum
// of its two plane bits.
func UnpackWord(word uint16) []ChannelState {
	power1 := word >> 8
	power2 := word & 0xff

	states := make([]ChannelState, PortChannels)
	for i := range states {
		if power1&(1<<i) != 0 {
			states[i]++
		}
		if power2&(1<<i) != 0 {
			states[i]++
		}
	}
	return states
}
