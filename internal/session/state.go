package session

import (
	"fmt"
	"time"

	"github.com/srg/blesession/internal/device"
)

// State of the connection lifecycle
type State int

const (
	Disconnected State = iota
	Connecting
	DiscoveringServices
	Streaming
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case DiscoveringServices:
		return "discovering_services"
	case Streaming:
		return "streaming"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a connection attempt or connection exists in this state.
func (s State) Active() bool {
	return s != Disconnected
}

// Status is the live connection status.
//
// Peripheral is set in Connecting, DiscoveringServices, Streaming, and while tearing down.
// Services holds the enumerated profile once discovery succeeded, until Disconnected.
// Characteristic is set in Streaming. Reason is set in Failed. Failure keeps the most
// recent failure reason until the next Connect.
type Status struct {
	State          State
	Peripheral     device.PeripheralDescriptor
	Services       []device.ServiceDescriptor
	Characteristic device.CharacteristicRef
	Reason         error
	Failure        error
}

// ReadableCharacteristics returns the enumerated profile reduced to readable
// characteristics, in enumeration order. Services without one are left out.
func (s Status) ReadableCharacteristics() []device.ServiceDescriptor {
	var out []device.ServiceDescriptor
	for _, svc := range s.Services {
		var readable []device.CharacteristicDescriptor
		for _, c := range svc.Characteristics {
			if c.Readable {
				readable = append(readable, c)
			}
		}
		if len(readable) > 0 {
			out = append(out, device.ServiceDescriptor{UUID: svc.UUID, Characteristics: readable})
		}
	}
	return out
}

// Transition is one journal entry.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason error
}

func (t Transition) String() string {
	if t.Reason != nil {
		return fmt.Sprintf("%s -> %s (%v)", t.From, t.To, t.Reason)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}
