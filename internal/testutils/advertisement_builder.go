package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesession/internal/testutils/mocks"
)

// AdvertisementBuilder builds mocked ble.Advertisement values for scan tests.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	connectable bool
	noAddress   bool
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the peer address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithoutAddress makes Addr() return nil, as some backends do for malformed reports.
func (b *AdvertisementBuilder) WithoutAddress() *AdvertisementBuilder {
	b.noAddress = true
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithConnectable sets the connectable flag.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.connectable = connectable
	return b
}

// Build creates the mocked advertisement. All expectations are optional.
func (b *AdvertisementBuilder) Build() ble.Advertisement {
	adv := &mocks.MockAdvertisement{}
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	if b.noAddress {
		adv.On("Addr").Return(nil).Maybe()
	} else {
		adv.On("Addr").Return(ble.NewAddr(b.address)).Maybe()
	}
	return adv
}
