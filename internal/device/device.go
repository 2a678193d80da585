package device

import (
	"context"
	"fmt"
)

// PeripheralDescriptor identifies a discovered peripheral.
// It is immutable once admitted into a scan epoch; ID is the deduplication key.
type PeripheralDescriptor struct {
	ID          string
	Name        string
	Connectable bool
	RSSI        int
}

func (p PeripheralDescriptor) String() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// CharacteristicDescriptor describes a characteristic found during GATT discovery.
// Notifiable covers both notify and indicate (push-capable).
type CharacteristicDescriptor struct {
	UUID       string
	Readable   bool
	Notifiable bool
}

// ServiceDescriptor describes a GATT service with its characteristics in enumeration order.
type ServiceDescriptor struct {
	UUID            string
	Characteristics []CharacteristicDescriptor
}

// CharacteristicRef addresses one characteristic of one service.
type CharacteristicRef struct {
	ServiceUUID        string
	CharacteristicUUID string
}

func (r CharacteristicRef) String() string {
	return r.ServiceUUID + "/" + r.CharacteristicUUID
}

// IsZero reports whether the reference is unset.
func (r CharacteristicRef) IsZero() bool {
	return r.ServiceUUID == "" && r.CharacteristicUUID == ""
}

// DiscoveryEvent is a single scan result: either a peripheral or a radio error.
type DiscoveryEvent struct {
	Peripheral PeripheralDescriptor
	Err        error
}

// DiscoveryHandler receives discovery events in the order the radio reports them.
type DiscoveryHandler func(DiscoveryEvent)

// Notification is a raw characteristic value pushed by the peripheral.
// A non-nil Err reports a transport failure for the subscription.
type Notification struct {
	Data []byte
	Err  error
}

// NotificationHandler receives notifications for one subscribed characteristic.
type NotificationHandler func(Notification)

// Scanner is the discovery half of a radio.
type Scanner interface {
	// StartScan begins delivering discovery events to handler until StopScan is called
	// or ctx is cancelled. It does not block for the duration of the scan.
	StartScan(ctx context.Context, handler DiscoveryHandler) error
	// StopScan stops an active scan. Safe to call when not scanning.
	StopScan() error
}

// Connector opens links to peripherals.
type Connector interface {
	Connect(ctx context.Context, id string) (Link, error)
}

// Radio is the BLE capability provider owned by a session controller.
type Radio interface {
	Scanner
	Connector
	// Close releases the underlying adapter.
	Close() error
}

// Link is a live connection to one peripheral.
type Link interface {
	// DiscoverServices enumerates all services and characteristics.
	DiscoverServices(ctx context.Context) ([]ServiceDescriptor, error)
	// Subscribe enables notifications for ref and delivers them to handler.
	Subscribe(ctx context.Context, ref CharacteristicRef, handler NotificationHandler) error
	// Unsubscribe disables notifications for ref.
	Unsubscribe(ref CharacteristicRef) error
	// Disconnect terminates the link.
	Disconnect() error
	// Disconnected is closed when the link is lost for any reason.
	Disconnected() <-chan struct{}
}
