package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/permission"
)

// FormatUserError turns library errors into a message with a hint on what to do next.
func FormatUserError(err error) string {
	var denied *permission.DeniedError
	var connErr *device.ConnectError
	var subErr *device.SubscribeError
	var streamErr *device.StreamError

	switch {
	case errors.As(err, &denied):
		return fmt.Sprintf("%s\nGrant the capabilities in the config file under permissions.granted.", err)
	case device.IsKind(err, device.BluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, device.ErrUnknownPeripheral):
		return fmt.Sprintf("%s\nMake sure the peripheral is advertising, in range and connectable, or raise --scan-timeout.", err)
	case errors.Is(err, device.ErrNoStreamableCharacteristic):
		return fmt.Sprintf("%s\nThe peripheral exposes no characteristic supporting notify or indicate.", err)
	case errors.As(err, &connErr):
		return fmt.Sprintf("could not connect to %s: %v", connErr.PeripheralID, connErr.Err)
	case errors.As(err, &subErr):
		return fmt.Sprintf("could not subscribe to %s: %v", subErr.Ref, subErr.Err)
	case errors.As(err, &streamErr):
		return fmt.Sprintf("stream of %s ended: %v", streamErr.Ref, streamErr.Err)
	default:
		return err.Error()
	}
}
