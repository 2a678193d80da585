package session

import "github.com/srg/blesession/internal/device"

// SelectCharacteristic picks the characteristic to stream from an enumerated profile.
// A preferred reference wins when it is present and notifiable. Otherwise the first
// notifiable characteristic of the first service having one is chosen.
func SelectCharacteristic(services []device.ServiceDescriptor, preferred device.CharacteristicRef) (device.CharacteristicRef, bool) {
	if !preferred.IsZero() {
		want := device.CharacteristicRef{
			ServiceUUID:        device.NormalizeUUID(preferred.ServiceUUID),
			CharacteristicUUID: device.NormalizeUUID(preferred.CharacteristicUUID),
		}
		for _, svc := range services {
			if svc.UUID != want.ServiceUUID {
				continue
			}
			for _, c := range svc.Characteristics {
				if c.UUID == want.CharacteristicUUID && c.Notifiable {
					return want, true
				}
			}
		}
	}

	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if c.Notifiable {
				return device.CharacteristicRef{ServiceUUID: svc.UUID, CharacteristicUUID: c.UUID}, true
			}
		}
	}
	return device.CharacteristicRef{}, false
}
