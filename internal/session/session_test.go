package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/metrics"
	"github.com/srg/blesession/internal/session"
	"github.com/srg/blesession/internal/stream"
	"github.com/srg/blesession/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type scanStopper struct {
	mu    sync.Mutex
	calls int
}

func (s *scanStopper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *scanStopper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type SessionTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	radio   *testutils.FakeRadio
	sensor  *testutils.FakePeripheral
	scans   *scanStopper
	streams *stream.Manager
	session *session.Session

	mu      sync.Mutex
	results []stream.Result
}

var sensor = device.PeripheralDescriptor{ID: "aa:bb", Name: "Sensor", Connectable: true, RSSI: -50}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewFakeRadio()
	s.sensor = s.radio.WithPeripheral(sensor.ID).
		WithService("1800").WithCharacteristic("2a00", "read").
		WithService("fff0").WithCharacteristic("fff1", "read").WithCharacteristic("2a37", "read,notify")
	s.scans = &scanStopper{}
	s.streams = stream.NewManager(nil, s.helper.Logger)
	s.results = nil
	s.session = s.newSession(session.Options{})
}

func (s *SessionTestSuite) newSession(opts session.Options) *session.Session {
	sess := session.New(s.radio, s.scans, s.streams, opts, s.helper.Logger)
	sess.OnResult(func(r stream.Result) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.results = append(s.results, r)
	})
	return sess
}

func (s *SessionTestSuite) received() []stream.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Result(nil), s.results...)
}

func (s *SessionTestSuite) states() []session.State {
	var out []session.State
	for _, t := range s.session.DrainTransitions() {
		out = append(out, t.To)
	}
	return out
}

func (s *SessionTestSuite) waitState(want session.State) {
	s.Eventually(func() bool { return s.session.State() == want },
		testutils.DefaultWaitTimeout, 5*time.Millisecond, "session MUST reach %s", want)
}

func (s *SessionTestSuite) TestConnectReachesStreaming() {
	// GOAL: a successful attempt walks every forward state and subscribes the selected characteristic
	attempts := testutil.ToFloat64(metrics.ConnectAttempts)

	s.Require().NoError(s.session.Connect(context.Background(), sensor))

	st := s.session.Status()
	s.Equal(session.Streaming, st.State)
	s.Equal(sensor, st.Peripheral)
	s.Equal(device.CharacteristicRef{ServiceUUID: "fff0", CharacteristicUUID: "2a37"}, st.Characteristic)
	s.NoError(st.Reason)
	s.NoError(st.Failure)
	s.Equal([]session.State{session.Connecting, session.DiscoveringServices, session.Streaming}, s.states())

	s.Equal(2, s.scans.Calls(), "scan MUST be stopped on Connecting and again on DiscoveringServices")
	s.Equal(1, s.streams.Active())
	s.Equal(attempts+1, testutil.ToFloat64(metrics.ConnectAttempts))

	link := s.radio.LastLink()
	s.Require().NotNil(link)
	s.True(link.Notify([]byte{0x06, 0x48}))
	s.Require().Len(s.received(), 1)
	s.Equal([]byte{0x06, 0x48}, s.received()[0].Sample.Data)
}

func (s *SessionTestSuite) TestStatusCarriesEnumeratedProfile() {
	// GOAL: the discovered profile stays visible from discovery until the session is torn down
	var mu sync.Mutex
	var seen []session.Status
	s.session.OnChange(func(st session.Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	s.Require().NoError(s.session.Connect(context.Background(), sensor))

	st := s.session.Status()
	s.Require().Len(st.Services, 2)
	s.Equal("1800", st.Services[0].UUID)
	s.Equal("fff0", st.Services[1].UUID)
	s.Equal([]device.ServiceDescriptor{
		{UUID: "1800", Characteristics: []device.CharacteristicDescriptor{{UUID: "2a00", Readable: true}}},
		{UUID: "fff0", Characteristics: []device.CharacteristicDescriptor{
			{UUID: "fff1", Readable: true},
			{UUID: "2a37", Readable: true, Notifiable: true},
		}},
	}, st.ReadableCharacteristics())

	mu.Lock()
	var discovered bool
	for _, u := range seen {
		if u.State == session.DiscoveringServices && len(u.Services) == 2 {
			discovered = true
		}
	}
	mu.Unlock()
	s.True(discovered, "the profile MUST be published while DiscoveringServices")

	s.Require().NoError(s.session.Disconnect())
	s.Empty(s.session.Status().Services, "Disconnected MUST NOT keep the profile")

	mu.Lock()
	defer mu.Unlock()
	for _, u := range seen {
		if u.State == session.Disconnecting {
			s.Len(u.Services, 2, "teardown MUST keep the profile until Disconnected")
		}
	}
}

func (s *SessionTestSuite) TestFailureKeepsEnumeratedProfile() {
	var mu sync.Mutex
	var failed []session.Status
	s.session.OnChange(func(st session.Status) {
		if st.State == session.Failed {
			mu.Lock()
			failed = append(failed, st)
			mu.Unlock()
		}
	})
	s.Require().NoError(s.session.Connect(context.Background(), sensor))

	s.radio.LastLink().Drop()
	s.waitState(session.Disconnected)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(failed, 1)
	s.Len(failed[0].Services, 2)
	s.Empty(s.session.Status().Services)
}

func (s *SessionTestSuite) TestConnectWhileActiveIsRejected() {
	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	s.session.DrainTransitions()

	err := s.session.Connect(context.Background(), device.PeripheralDescriptor{ID: "other", Name: "Other", Connectable: true})
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(session.Streaming, s.session.State(), "state MUST be untouched")
	s.Equal(sensor, s.session.Status().Peripheral)
	s.Empty(s.states())
	s.Equal(1, s.radio.ConnectCalls())
}

func (s *SessionTestSuite) TestConnectFailure() {
	failures := testutil.ToFloat64(metrics.ConnectFailures)
	s.radio.FailConnect(errors.New("peripheral rejected connection"))

	err := s.session.Connect(context.Background(), sensor)

	var cerr *device.ConnectError
	s.Require().ErrorAs(err, &cerr)
	s.Equal(sensor.ID, cerr.PeripheralID)
	s.Equal([]session.State{session.Connecting, session.Failed, session.Disconnected}, s.states())

	st := s.session.Status()
	s.Equal(session.Disconnected, st.State)
	s.ErrorAs(st.Failure, &cerr, "failure reason MUST persist after landing in Disconnected")
	s.Equal(failures+1, testutil.ToFloat64(metrics.ConnectFailures))
}

func (s *SessionTestSuite) TestConnectTimeout() {
	s.radio.StallConnect()
	s.session = s.newSession(session.Options{ConnectTimeout: 30 * time.Millisecond})

	err := s.session.Connect(context.Background(), sensor)

	var cerr *device.ConnectError
	s.Require().ErrorAs(err, &cerr)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Contains(err.Error(), "timed out")
	s.Equal(session.Disconnected, s.session.State())
}

func (s *SessionTestSuite) TestNoStreamableCharacteristic() {
	radio := testutils.NewFakeRadio()
	radio.WithPeripheral(sensor.ID).WithService("180a").WithCharacteristic("2a29", "read")
	s.radio = radio
	s.session = s.newSession(session.Options{})

	err := s.session.Connect(context.Background(), sensor)

	s.ErrorIs(err, device.ErrNoStreamableCharacteristic)
	s.Equal([]session.State{session.Connecting, session.DiscoveringServices, session.Failed, session.Disconnected}, s.states())
	s.ErrorIs(s.session.Status().Failure, device.ErrNoStreamableCharacteristic)
	s.Equal(1, radio.LastLink().DisconnectCalls(), "link MUST be released")
	s.Zero(s.streams.Active())
}

func (s *SessionTestSuite) TestDiscoveryFailure() {
	s.sensor.FailDiscovery(errors.New("att timeout"))

	err := s.session.Connect(context.Background(), sensor)

	s.Error(err)
	s.Contains(err.Error(), "service discovery failed")
	s.Equal(session.Disconnected, s.session.State())
	s.Equal(1, s.radio.LastLink().DisconnectCalls())
}

func (s *SessionTestSuite) TestSubscribeFailure() {
	s.sensor.FailSubscribe(errors.New("cccd write rejected"))

	err := s.session.Connect(context.Background(), sensor)

	var serr *device.SubscribeError
	s.Require().ErrorAs(err, &serr)
	s.Equal("2a37", serr.Ref.CharacteristicUUID)
	s.Equal([]session.State{session.Connecting, session.DiscoveringServices, session.Failed, session.Disconnected}, s.states())
	s.Equal(1, s.radio.LastLink().DisconnectCalls())
}

func (s *SessionTestSuite) TestPreferredCharacteristic() {
	s.sensor.WithService("180d").WithCharacteristic("2a37", "notify")
	s.session = s.newSession(session.Options{
		PreferredCharacteristic: device.CharacteristicRef{ServiceUUID: "180D", CharacteristicUUID: "2A37"},
	})

	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	s.Equal(device.CharacteristicRef{ServiceUUID: "180d", CharacteristicUUID: "2a37"}, s.session.Status().Characteristic)
	s.Equal("180d", s.radio.LastLink().LastSubscribe().ServiceUUID)
}

func (s *SessionTestSuite) TestDisconnectFromStreaming() {
	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	s.session.DrainTransitions()
	link := s.radio.LastLink()

	s.Require().NoError(s.session.Disconnect())

	s.Equal([]session.State{session.Disconnecting, session.Disconnected}, s.states())
	st := s.session.Status()
	s.Equal(session.Disconnected, st.State)
	s.Empty(st.Peripheral.ID)
	s.NoError(st.Failure)
	s.False(link.Subscribed(), "stream MUST be destroyed")
	s.Equal(1, link.DisconnectCalls())
	s.Zero(s.streams.Active())

	link.Notify([]byte{1})
	s.Empty(s.received(), "no sample MUST be delivered after Disconnect")
}

func (s *SessionTestSuite) TestDisconnectIsIdempotent() {
	s.NoError(s.session.Disconnect())
	s.Empty(s.states(), "Disconnect while Disconnected MUST be a no-op")

	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	s.NoError(s.session.Disconnect())
	s.NoError(s.session.Disconnect())
	s.Equal(1, s.radio.LastLink().DisconnectCalls())
}

func (s *SessionTestSuite) TestDisconnectWaitsForResultInFlight() {
	// GOAL: a result already forwarded when Disconnect starts is consumed before Disconnect returns
	//
	// TEST SCENARIO: park the result consumer, Disconnect concurrently, it completes only after the consumer returns
	entered := make(chan struct{})
	resume := make(chan struct{})
	var mu sync.Mutex
	var order []string
	s.session.OnResult(func(stream.Result) {
		close(entered)
		<-resume
		mu.Lock()
		order = append(order, "result")
		mu.Unlock()
	})
	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	link := s.radio.LastLink()

	go link.Notify([]byte{1})
	s.helper.WaitClosed(entered, "result delivery")

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		s.NoError(s.session.Disconnect())
		mu.Lock()
		order = append(order, "disconnected")
		mu.Unlock()
	}()

	s.waitState(session.Disconnecting)
	select {
	case <-disconnected:
		s.Fail("Disconnect MUST wait for the result in flight")
	case <-time.After(50 * time.Millisecond):
	}
	s.Equal(session.Disconnecting, s.session.State())

	close(resume)
	s.helper.WaitClosed(disconnected, "disconnect")

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"result", "disconnected"}, order)
	s.Equal(session.Disconnected, s.session.State())
	s.False(link.Subscribed())
}

func (s *SessionTestSuite) TestDisconnectDuringConnectReleasesLateLink() {
	// GOAL: a link produced after Disconnect is torn down and never promoted
	//
	// TEST SCENARIO: radio connect blocks, Disconnect runs, then the radio delivers the link
	release := s.radio.BlockConnect()
	errs := make(chan error, 1)
	go func() { errs <- s.session.Connect(context.Background(), sensor) }()

	s.waitState(session.Connecting)
	s.Require().NoError(s.session.Disconnect())
	s.Equal(session.Disconnected, s.session.State())

	release()
	var err error
	select {
	case err = <-errs:
	case <-time.After(testutils.DefaultWaitTimeout):
		s.FailNow("Connect did not return")
	}

	s.ErrorIs(err, device.ErrSessionCancelled)
	s.Equal(session.Disconnected, s.session.State())
	link := s.radio.LastLink()
	s.Require().NotNil(link)
	s.Equal(1, link.DisconnectCalls(), "late link MUST be released")
	s.Zero(link.SubscribeCalls())
	s.Equal([]session.State{session.Connecting, session.Disconnecting, session.Disconnected}, s.states())
}

func (s *SessionTestSuite) TestDisconnectDuringDiscovery() {
	release := s.sensor.BlockDiscovery()
	defer release()
	errs := make(chan error, 1)
	go func() { errs <- s.session.Connect(context.Background(), sensor) }()

	s.waitState(session.DiscoveringServices)
	s.Require().NoError(s.session.Disconnect())

	select {
	case err := <-errs:
		s.ErrorIs(err, device.ErrSessionCancelled)
	case <-time.After(testutils.DefaultWaitTimeout):
		s.FailNow("Connect did not return")
	}
	s.Equal(session.Disconnected, s.session.State())
	s.Equal(1, s.radio.LastLink().DisconnectCalls())
	s.NotContains(s.states(), session.Streaming)
}

func (s *SessionTestSuite) TestCallerCancellationAbandonsAttempt() {
	release := s.radio.BlockConnect()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.session.Connect(ctx, sensor) }()

	s.waitState(session.Connecting)
	cancel()
	s.waitState(session.Disconnected)
	release()

	select {
	case err := <-errs:
		s.ErrorIs(err, device.ErrSessionCancelled)
		s.ErrorIs(err, context.Canceled)
	case <-time.After(testutils.DefaultWaitTimeout):
		s.FailNow("Connect did not return")
	}
}

func (s *SessionTestSuite) TestStreamingOutlivesConnectContext() {
	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(s.session.Connect(ctx, sensor))
	cancel()

	s.Never(func() bool { return s.session.State() != session.Streaming },
		50*time.Millisecond, 5*time.Millisecond)
	s.True(s.radio.LastLink().Notify([]byte{7}))
	s.Len(s.received(), 1)
}

func (s *SessionTestSuite) TestLinkLossWhileStreaming() {
	// GOAL: implicit disconnection fails the session and releases everything
	var mu sync.Mutex
	var seen []session.State
	s.session.OnChange(func(st session.Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st.State)
	})

	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	link := s.radio.LastLink()
	link.Drop()

	s.waitState(session.Disconnected)
	st := s.session.Status()
	var serr *device.StreamError
	s.Require().ErrorAs(st.Failure, &serr)
	s.ErrorIs(st.Failure, device.ErrNotConnected)
	s.Zero(s.streams.Active())

	s.Equal([]session.State{
		session.Connecting, session.DiscoveringServices, session.Streaming,
		session.Failed, session.Disconnected,
	}, s.states())

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5 && seen[4] == session.Disconnected
	}, testutils.DefaultWaitTimeout, 5*time.Millisecond, "every transition MUST be published")
}

func (s *SessionTestSuite) TestReconnectClearsFailure() {
	s.radio.FailConnect(errors.New("busy"))
	s.Error(s.session.Connect(context.Background(), sensor))
	s.Error(s.session.Status().Failure)

	s.radio.FailConnect(nil)
	s.Require().NoError(s.session.Connect(context.Background(), sensor))
	s.NoError(s.session.Status().Failure, "a new attempt MUST clear the previous failure")
}

func (s *SessionTestSuite) TestAtMostOneLink() {
	// GOAL: concurrent Connect calls produce one attempt
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.session.Connect(context.Background(), sensor)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.ErrorIs(err, device.ErrAlreadyConnected)
	}
	s.Equal(1, ok)
	s.Len(s.radio.Links(), 1)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
