// Package permission decides whether the host grants the capabilities BLE scanning
// and connecting require. It never caches a decision; each check asks again.
package permission

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
)

// Capability is a host permission the radio needs.
type Capability string

const (
	BluetoothScan      Capability = "bluetooth_scan"
	BluetoothConnect   Capability = "bluetooth_connect"
	AccessFineLocation Capability = "access_fine_location"
)

// Android API level from which scan and connect are separate runtime permissions.
const androidSplitPermissionsAPI = 31

// Platform identifies the host for the capability matrix.
type Platform struct {
	OS       string `yaml:"os"`
	APILevel int    `yaml:"api_level"`
}

// RequiredCapabilities returns the capabilities that must all be granted on p.
// Only Android gates BLE behind runtime permissions.
func RequiredCapabilities(p Platform) []Capability {
	if !strings.EqualFold(p.OS, "android") {
		return nil
	}
	if p.APILevel < androidSplitPermissionsAPI {
		return []Capability{AccessFineLocation}
	}
	return []Capability{BluetoothScan, BluetoothConnect, AccessFineLocation}
}

// Requester asks the host (or the user) for one capability.
type Requester interface {
	RequestCapability(ctx context.Context, c Capability) (bool, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, c Capability) (bool, error)

func (f RequesterFunc) RequestCapability(ctx context.Context, c Capability) (bool, error) {
	return f(ctx, c)
}

// Static grants a fixed set of capabilities. Hosts without a consent UI configure it.
type Static map[Capability]bool

// NewStatic grants the listed capabilities.
func NewStatic(granted ...Capability) Static {
	s := make(Static, len(granted))
	for _, c := range granted {
		s[c] = true
	}
	return s
}

func (s Static) RequestCapability(_ context.Context, c Capability) (bool, error) {
	return s[c], nil
}

// DeniedError lists the capabilities the host refused.
type DeniedError struct {
	Denied []Capability
}

func (e *DeniedError) Error() string {
	names := make([]string, len(e.Denied))
	for i, c := range e.Denied {
		names[i] = string(c)
	}
	return fmt.Sprintf("%s: %s", device.PermissionDenied, strings.Join(names, ", "))
}

// Is matches device.ErrPermissionDenied.
func (e *DeniedError) Is(target error) bool {
	return target == device.ErrPermissionDenied
}

// Gate combines the capability matrix with a Requester.
type Gate struct {
	requester    Requester
	capabilities []Capability
	logger       *logrus.Logger
}

// NewGate creates a gate requiring the capabilities of platform.
func NewGate(platform Platform, requester Requester, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{
		requester:    requester,
		capabilities: RequiredCapabilities(platform),
		logger:       logger,
	}
}

// Capabilities returns the capabilities this gate requires.
func (g *Gate) Capabilities() []Capability {
	return append([]Capability(nil), g.capabilities...)
}

// CheckAndRequest requests every required capability and ANDs the results.
// A requester error counts as a denial of that capability.
func (g *Gate) CheckAndRequest(ctx context.Context) error {
	if len(g.capabilities) == 0 {
		return nil
	}
	if g.requester == nil {
		return &DeniedError{Denied: g.Capabilities()}
	}

	var denied []Capability
	for _, c := range g.capabilities {
		granted, err := g.requester.RequestCapability(ctx, c)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"capability": c,
				"error":      err,
			}).Warn("Capability request failed")
			granted = false
		}
		if !granted {
			denied = append(denied, c)
		}
	}

	if len(denied) > 0 {
		g.logger.WithField("denied", denied).Info("BLE permissions denied")
		return &DeniedError{Denied: denied}
	}
	g.logger.WithField("capabilities", g.capabilities).Debug("BLE permissions granted")
	return nil
}
