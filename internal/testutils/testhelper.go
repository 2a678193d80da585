package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWaitTimeout bounds the helpers that wait for asynchronous effects.
const DefaultWaitTimeout = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// WaitClosed fails the test if ch is not closed within DefaultWaitTimeout.
func (h *TestHelper) WaitClosed(ch <-chan struct{}, what string) {
	h.T.Helper()
	select {
	case <-ch:
	case <-time.After(DefaultWaitTimeout):
		h.T.Fatalf("timed out waiting for %s", what)
	}
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockPeripheralDevice() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder()
}

func CreateMockPeripheralDeviceFromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(jsonStrFmt, args...)
}
