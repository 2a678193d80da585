package goble

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/groutine"
)

// link is a live go-ble client connection.
type link struct {
	id     string
	client ble.Client
	logger *logrus.Logger

	mu         sync.Mutex
	chars      map[device.CharacteristicRef]*ble.Characteristic
	subscribed map[device.CharacteristicRef]bool // value: indication mode

	disconnectOnce sync.Once
	disconnectErr  error
}

func newLink(id string, client ble.Client, logger *logrus.Logger) *link {
	return &link{
		id:         id,
		client:     client,
		logger:     logger,
		chars:      make(map[device.CharacteristicRef]*ble.Characteristic),
		subscribed: make(map[device.CharacteristicRef]bool),
	}
}

// DiscoverServices enumerates the full GATT profile. Enumeration order is preserved.
func (l *link) DiscoverServices(ctx context.Context) ([]device.ServiceDescriptor, error) {
	type result struct {
		profile *ble.Profile
		err     error
	}

	// DiscoverProfile takes no context; abandon the call when ctx ends.
	ch := make(chan result, 1)
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := l.client.DiscoverProfile(true)
		ch <- result{profile: p, err: err}
	})

	var res result
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case res = <-ch:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(res.err))
	}
	if res.profile == nil {
		return nil, nil
	}

	services := make([]device.ServiceDescriptor, 0, len(res.profile.Services))
	chars := make(map[device.CharacteristicRef]*ble.Characteristic)
	for _, bleSvc := range res.profile.Services {
		svc := device.ServiceDescriptor{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			svc.Characteristics = append(svc.Characteristics, device.CharacteristicDescriptor{
				UUID:       charUUID,
				Readable:   bleChar.Property&ble.CharRead != 0,
				Notifiable: bleChar.Property&(ble.CharNotify|ble.CharIndicate) != 0,
			})

			ref := device.CharacteristicRef{ServiceUUID: svc.UUID, CharacteristicUUID: charUUID}
			if _, dup := chars[ref]; !dup {
				chars[ref] = bleChar
			}
		}
		services = append(services, svc)
	}

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"peripheral": l.id,
		"services":   len(services),
	}).Debug("Profile discovered")
	return services, nil
}

// Subscribe enables notifications (or indications when the characteristic only indicates).
func (l *link) Subscribe(ctx context.Context, ref device.CharacteristicRef, handler device.NotificationHandler) error {
	if handler == nil {
		return fmt.Errorf("notification handler is nil")
	}

	l.mu.Lock()
	char, ok := l.chars[ref]
	l.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.ServiceUUID, ref.CharacteristicUUID}}
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", ref)
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	ind := char.Property&ble.CharNotify == 0
	err := l.client.Subscribe(char, ind, func(data []byte) {
		// the backend may reuse its buffer
		handler(device.Notification{Data: bytes.Clone(data)})
	})
	if err != nil {
		return NormalizeError(err)
	}

	l.mu.Lock()
	l.subscribed[ref] = ind
	l.mu.Unlock()
	return nil
}

// Unsubscribe disables notifications. Unknown or already released references are a no-op.
func (l *link) Unsubscribe(ref device.CharacteristicRef) error {
	l.mu.Lock()
	ind, ok := l.subscribed[ref]
	char := l.chars[ref]
	delete(l.subscribed, ref)
	l.mu.Unlock()

	if !ok || char == nil {
		return nil
	}
	return NormalizeError(l.client.Unsubscribe(char, ind))
}

// Disconnect cancels the connection. Subsequent calls return the first result.
func (l *link) Disconnect() error {
	l.disconnectOnce.Do(func() {
		l.disconnectErr = NormalizeError(l.client.CancelConnection())
	})
	return l.disconnectErr
}

func (l *link) Disconnected() <-chan struct{} {
	return l.client.Disconnected()
}
