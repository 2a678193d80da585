package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session-level failures.
type ErrorKind string

const (
	PermissionDenied           ErrorKind = "permission_denied"
	AlreadyScanning            ErrorKind = "already_scanning"
	AlreadyConnected           ErrorKind = "already_connected"
	ConnectionActive           ErrorKind = "connection_active"
	UnknownPeripheral          ErrorKind = "unknown_peripheral"
	NoStreamableCharacteristic ErrorKind = "no_streamable_characteristic"
	SessionCancelled           ErrorKind = "session_cancelled"
	NotConnected               ErrorKind = "not_connected"
	BluetoothOff               ErrorKind = "bluetooth_off"
	ScanTerminated             ErrorKind = "scan_terminated"
)

// SessionError represents a failure identified by its kind
type SessionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrPermissionDenied           = &SessionError{Kind: PermissionDenied}
	ErrAlreadyScanning            = &SessionError{Kind: AlreadyScanning}
	ErrAlreadyConnected           = &SessionError{Kind: AlreadyConnected}
	ErrConnectionActive           = &SessionError{Kind: ConnectionActive}
	ErrUnknownPeripheral          = &SessionError{Kind: UnknownPeripheral}
	ErrNoStreamableCharacteristic = &SessionError{Kind: NoStreamableCharacteristic}
	ErrSessionCancelled           = &SessionError{Kind: SessionCancelled}
	ErrNotConnected               = &SessionError{Kind: NotConnected}
	ErrBluetoothOff               = &SessionError{Kind: BluetoothOff}
	ErrScanTerminated             = &SessionError{Kind: ScanTerminated}
)

// Per-sample errors. Neither terminates a notification stream.
var (
	ErrDecode = errors.New("decode error")
	ErrNoData = errors.New("no data")
)

// IsKind reports whether err is a SessionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// RadioError is a transient radio failure reported during scanning.
type RadioError struct {
	Transient bool
	Err       error
}

func (e *RadioError) Error() string {
	if e.Transient {
		return fmt.Sprintf("radio error (transient): %v", e.Err)
	}
	return fmt.Sprintf("radio error: %v", e.Err)
}

func (e *RadioError) Unwrap() error { return e.Err }

// ConnectError reports a failed connection attempt. The session is back in Disconnected.
type ConnectError struct {
	PeripheralID string
	Err          error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %q: %v", e.PeripheralID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscribeError reports a failure to enable notifications on the selected characteristic.
type SubscribeError struct {
	Ref CharacteristicRef
	Err error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("failed to subscribe to %s: %v", e.Ref, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// StreamError is a fatal transport failure of an active subscription.
type StreamError struct {
	Ref CharacteristicRef
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s terminated: %v", e.Ref, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NotFoundError represents an error when a GATT resource is not found on a link
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}
