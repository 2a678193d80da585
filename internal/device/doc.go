// Package device defines the radio collaborator contract used by the session core
// and the error taxonomy shared by every layer above it.
//
// The package describes:
//   - Peripheral, service and characteristic descriptors as reported by discovery
//   - The Radio and Link interfaces a BLE backend implements (see go-ble subpackage)
//   - Sentinel and typed errors for permission, scan, connect and stream failures
package device
