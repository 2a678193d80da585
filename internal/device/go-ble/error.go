package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blesession/internal/device"
)

// darwinPoweredOff is the CoreBluetooth state error for a radio that is switched off.
const darwinPoweredOff = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// errorPatterns maps lowercase fragments of go-ble error messages to session sentinels.
// Order matters: the first match wins.
var errorPatterns = []struct {
	fragment string
	sentinel error
}{
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"device already connected", device.ErrAlreadyConnected},
}

// NormalizeError wraps go-ble errors with the matching session sentinel, keeping the
// original message. Unrecognised errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if msg == darwinPoweredOff {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	lower := strings.ToLower(msg)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.fragment) {
			return fmt.Errorf("%w: %v", p.sentinel, err)
		}
	}
	return err
}
