//go:build test

package main

import (
	"errors"
	"testing"

	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type StreamCommandTestSuite struct {
	CommandTestSuite
}

func (s *StreamCommandTestSuite) SetupTest() {
	streamCmd.ResetFlags()
	registerStreamFlags()

	s.WithPeripheral().
		WithService("180f").WithCharacteristic("2a19", "read").
		WithService("fff0").WithCharacteristic("2a37", "read,notify").
		WithScanAdvertisements(s.DefaultAdvertisements()...)
	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *StreamCommandTestSuite) TestStreamsSamples() {
	// GOAL: stream connects to the discovered peripheral and prints each notification
	//
	// TEST SCENARIO: peripheral notifies twice with --count 2 → both samples printed → session ends cleanly
	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1, "--count", "2")

	rc.WaitOutput("Streaming")
	s.Require().True(s.PeripheralBuilder.Notify("2a37", []byte{0x06, 0x48}), "subscription MUST exist")
	rc.WaitOutput("#1")
	s.Require().True(s.PeripheralBuilder.Notify("2a37", []byte{0x01, 0x02, 0x03}))

	out, stderr, err := rc.Wait()
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Connected to Sensor (00:00:00:00:00:01)
Streaming Heart Rate Measurement (fff0/2a37)
#1  06 48
#2  01 02 03
Session ended
`)
	s.Contains(stderr, "● streaming")
	s.False(s.PeripheralBuilder.Subscribed("2a37"), "subscription MUST be released")
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "CancelConnection")
}

func (s *StreamCommandTestSuite) TestReportsReadableCharacteristics() {
	// GOAL: the enumerated profile's readable characteristics are reported per service on stderr
	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1, "--duration", "50ms")

	out, stderr, err := rc.Wait()
	s.Require().NoError(err)
	s.Contains(stderr, "Readable characteristics:")
	s.Contains(stderr, "  Battery Service (180f): Battery Level (2a19)")
	s.Contains(stderr, "  Vendor Streaming Service (fff0): Heart Rate Measurement (2a37)")
	s.NotContains(out, "Readable characteristics", "the profile report MUST NOT mix with samples")
}

func (s *StreamCommandTestSuite) TestStopsAfterDuration() {
	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1, "--duration", "50ms")

	out, _, err := rc.Wait()
	s.Require().NoError(err)
	s.Contains(out, "Connected to Sensor")
	s.Contains(out, "Session ended")
}

func (s *StreamCommandTestSuite) TestPreferredCharacteristic() {
	s.PeripheralBuilder.WithService("180d").WithCharacteristic("2A37", "notify")

	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1, "--char", "180D/2A37", "-d", "50ms")

	out, _, err := rc.Wait()
	s.Require().NoError(err)
	s.Contains(out, "Streaming Heart Rate Measurement (180d/2a37)")
}

func (s *StreamCommandTestSuite) TestUnknownPeripheral() {
	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", "00:00:00:00:00:09", "--scan-timeout", "150ms")

	_, _, err := rc.Wait()
	s.Require().ErrorIs(err, device.ErrUnknownPeripheral)
	s.Contains(FormatUserError(err), "--scan-timeout")
	s.PeripheralBuilder.Device().AssertNotCalled(s.T(), "Dial", mock.Anything, mock.Anything)
}

func (s *StreamCommandTestSuite) TestConnectFailure() {
	s.PeripheralBuilder.WithDialError(errors.New("connection refused"))
	s.MockBLEPeripheralSuite.SetupTest()

	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1)

	_, stderr, err := rc.Wait()
	var cerr *device.ConnectError
	s.Require().ErrorAs(err, &cerr)
	s.Equal(TestDeviceAddress1, cerr.PeripheralID)
	s.Equal("could not connect to 00:00:00:00:00:01: connection refused", FormatUserError(err))
	s.Empty(stderr, "no state MUST be rendered for a failed connect")
}

func (s *StreamCommandTestSuite) TestNoNotifiableCharacteristic() {
	s.PeripheralBuilder = testutils.NewPeripheralDeviceBuilder().
		WithService("180a").WithCharacteristic("2a29", "read").
		WithScanAdvertisements(s.DefaultAdvertisements()...)
	s.MockBLEPeripheralSuite.SetupTest()

	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1)

	_, _, err := rc.Wait()
	s.Require().ErrorIs(err, device.ErrNoStreamableCharacteristic)
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "CancelConnection")
}

func (s *StreamCommandTestSuite) TestConnectionLost() {
	// GOAL: a peripheral going away ends the command with the stream failure
	rc := s.StartCommand(s.NewRootCommand(streamCmd), "stream", TestDeviceAddress1)
	rc.WaitOutput("Streaming")

	s.PeripheralBuilder.DropConnection()

	out, stderr, err := rc.Wait()
	var serr *device.StreamError
	s.Require().ErrorAs(err, &serr)
	s.ErrorIs(err, device.ErrNotConnected)
	s.NotContains(out, "Session ended")
	s.Contains(stderr, "● failed")
}

func (s *StreamCommandTestSuite) TestInvalidFlags() {
	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "unknown decoder", args: []string{"--decoder", "protobuf"}, errMsg: "unknown decoder"},
		{name: "malformed characteristic", args: []string{"--char", "2a37"}, errMsg: "invalid stream.characteristic"},
		{name: "negative count", args: []string{"--count", "-1"}, errMsg: "invalid --count"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			streamCmd.ResetFlags()
			registerStreamFlags()

			args := append([]string{"stream", TestDeviceAddress1}, tt.args...)
			_, _, err := s.ExecuteCommand(s.NewRootCommand(streamCmd), args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.errMsg)
		})
	}
}

func TestStreamCommandTestSuite(t *testing.T) {
	suite.Run(t, new(StreamCommandTestSuite))
}
