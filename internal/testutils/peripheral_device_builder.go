package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blesession/internal/bledb"
	"github.com/srg/blesession/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,notify"
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a mocked ble.Device that scans the configured advertisements
// and dials a single mocked peripheral exposing the configured profile.
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement
	scanErr            error
	dialErr            error
	discoverErr        error
	subscribeErr       error

	mu           sync.Mutex
	device       *mocks.MockDevice
	client       *mocks.MockClient
	handlers     map[string]blelib.NotificationHandler
	disconnected chan struct{}
	dropOnce     *sync.Once
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{Services: []ServiceConfig{}},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// WithScanAdvertisements adds advertisements reported by every Scan call.
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...blelib.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// WithScanError makes Scan return err after reporting advertisements instead of running until cancelled.
func (b *PeripheralDeviceBuilder) WithScanError(err error) *PeripheralDeviceBuilder {
	b.scanErr = err
	return b
}

// WithDialError makes Dial fail.
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithDiscoverError makes DiscoverProfile fail.
func (b *PeripheralDeviceBuilder) WithDiscoverError(err error) *PeripheralDeviceBuilder {
	b.discoverErr = err
	return b
}

// WithSubscribeError makes every Subscribe call fail.
func (b *PeripheralDeviceBuilder) WithSubscribeError(err error) *PeripheralDeviceBuilder {
	b.subscribeErr = err
	return b
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Build creates a mocked ble.Device with the configured profile.
// Each call yields a fresh device and client; Notify and DropConnection target the latest one.
func (b *PeripheralDeviceBuilder) Build() blelib.Device {
	mockDevice := &mocks.MockDevice{}
	mockClient := &mocks.MockClient{}

	var bleServices []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		bleService := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			bleService.Characteristics = append(bleService.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
			})
		}
		bleServices = append(bleServices, bleService)
	}
	mockProfile := &blelib.Profile{Services: bleServices}

	disconnected := make(chan struct{})
	once := &sync.Once{}

	b.mu.Lock()
	b.device = mockDevice
	b.client = mockClient
	b.handlers = make(map[string]blelib.NotificationHandler)
	b.disconnected = disconnected
	b.dropOnce = once
	b.mu.Unlock()

	if b.dialErr != nil {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr).Maybe()
	} else {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(mockClient, nil).Maybe()
	}
	mockDevice.On("Stop").Return(nil).Maybe()

	scanErr := b.scanErr
	if scanErr == nil {
		scanErr = context.Canceled
	}
	mockDevice.On("Scan", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		handler := args.Get(2).(blelib.AdvHandler)
		for _, adv := range b.scanAdvertisements {
			handler(adv)
		}
		if b.scanErr == nil {
			<-ctx.Done()
		}
	}).Return(scanErr).Maybe()

	if b.discoverErr != nil {
		mockClient.On("DiscoverProfile", true).Return(nil, b.discoverErr).Maybe()
	} else {
		mockClient.On("DiscoverProfile", true).Return(mockProfile, nil).Maybe()
	}

	for _, svc := range bleServices {
		for _, char := range svc.Characteristics {
			key := bledb.NormalizeUUID(char.UUID.String())
			if b.subscribeErr != nil {
				mockClient.On("Subscribe", char, mock.Anything, mock.Anything).Return(b.subscribeErr).Maybe()
			} else {
				mockClient.On("Subscribe", char, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
					b.mu.Lock()
					b.handlers[key] = args.Get(2).(blelib.NotificationHandler)
					b.mu.Unlock()
				}).Return(nil).Maybe()
			}
			mockClient.On("Unsubscribe", char, mock.Anything).Run(func(mock.Arguments) {
				b.mu.Lock()
				delete(b.handlers, key)
				b.mu.Unlock()
			}).Return(nil).Maybe()
		}
	}

	mockClient.On("CancelConnection").Run(func(mock.Arguments) {
		once.Do(func() { close(disconnected) })
	}).Return(nil).Maybe()
	mockClient.On("Disconnected").Return((<-chan struct{})(disconnected)).Maybe()

	return mockDevice
}

// Notify delivers data to the subscription of the characteristic. Reports whether one existed.
func (b *PeripheralDeviceBuilder) Notify(charUUID string, data []byte) bool {
	b.mu.Lock()
	h, ok := b.handlers[bledb.NormalizeUUID(charUUID)]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether the characteristic currently has a subscription.
func (b *PeripheralDeviceBuilder) Subscribed(charUUID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[bledb.NormalizeUUID(charUUID)]
	return ok
}

// DropConnection simulates the peripheral going away.
func (b *PeripheralDeviceBuilder) DropConnection() {
	b.mu.Lock()
	once, ch := b.dropOnce, b.disconnected
	b.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
}

// Device returns the most recently built mock device.
func (b *PeripheralDeviceBuilder) Device() *mocks.MockDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

// Client returns the most recently built mock client.
func (b *PeripheralDeviceBuilder) Client() *mocks.MockClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
