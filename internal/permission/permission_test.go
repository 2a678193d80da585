package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l
}

func TestRequiredCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		want     []Capability
	}{
		{"android legacy", Platform{OS: "android", APILevel: 30}, []Capability{AccessFineLocation}},
		{"android split permissions", Platform{OS: "android", APILevel: 31}, []Capability{BluetoothScan, BluetoothConnect, AccessFineLocation}},
		{"android newer", Platform{OS: "Android", APILevel: 34}, []Capability{BluetoothScan, BluetoothConnect, AccessFineLocation}},
		{"darwin", Platform{OS: "darwin"}, nil},
		{"linux", Platform{OS: "linux"}, nil},
		{"empty", Platform{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredCapabilities(tt.platform))
		})
	}
}

func TestGateGrantsWithoutPromptingOnDesktop(t *testing.T) {
	calls := 0
	req := RequesterFunc(func(context.Context, Capability) (bool, error) {
		calls++
		return false, nil
	})

	g := NewGate(Platform{OS: "linux"}, req, testLogger())
	require.NoError(t, g.CheckAndRequest(context.Background()))
	assert.Zero(t, calls, "desktop platforms MUST NOT prompt")
}

func TestGateRequiresAllCapabilities(t *testing.T) {
	g := NewGate(Platform{OS: "android", APILevel: 33},
		NewStatic(BluetoothScan, AccessFineLocation), testLogger())

	err := g.CheckAndRequest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrPermissionDenied)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, []Capability{BluetoothConnect}, denied.Denied)
}

func TestGateGranted(t *testing.T) {
	g := NewGate(Platform{OS: "android", APILevel: 29}, NewStatic(AccessFineLocation), testLogger())
	assert.NoError(t, g.CheckAndRequest(context.Background()))
}

func TestGateDoesNotCache(t *testing.T) {
	granted := false
	calls := 0
	req := RequesterFunc(func(context.Context, Capability) (bool, error) {
		calls++
		return granted, nil
	})
	g := NewGate(Platform{OS: "android", APILevel: 28}, req, testLogger())

	assert.ErrorIs(t, g.CheckAndRequest(context.Background()), device.ErrPermissionDenied)
	granted = true
	assert.NoError(t, g.CheckAndRequest(context.Background()), "a later grant MUST be observed")
	assert.Equal(t, 2, calls)
}

func TestGateRequesterErrorIsDenial(t *testing.T) {
	req := RequesterFunc(func(context.Context, Capability) (bool, error) {
		return true, errors.New("dialog dismissed")
	})
	g := NewGate(Platform{OS: "android", APILevel: 28}, req, testLogger())

	assert.ErrorIs(t, g.CheckAndRequest(context.Background()), device.ErrPermissionDenied)
}

func TestGateWithoutRequesterDenies(t *testing.T) {
	g := NewGate(Platform{OS: "android", APILevel: 31}, nil, testLogger())
	err := g.CheckAndRequest(context.Background())
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "bluetooth_scan")
}
