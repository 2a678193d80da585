package testutils

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/srg/blesession/internal/device"
)

// FakeRadio is an in-memory device.Radio. Peripherals are declared with WithPeripheral,
// advertisements are injected with Advertise while a scan is running.
type FakeRadio struct {
	mu sync.Mutex

	handler      device.DiscoveryHandler
	scanCtx      context.Context
	scanning     bool
	startScanErr error
	closed       bool

	peripherals map[string]*FakePeripheral
	connectErr  error
	connectGate chan struct{}
	stall       bool
	links       []*FakeLink

	startScanCalls int
	stopScanCalls  int
	connectCalls   int
}

var _ device.Radio = (*FakeRadio)(nil)

func NewFakeRadio() *FakeRadio {
	return &FakeRadio{peripherals: make(map[string]*FakePeripheral)}
}

// WithPeripheral declares a connectable peripheral and returns it for profile configuration.
func (r *FakeRadio) WithPeripheral(id string) *FakePeripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &FakePeripheral{id: id}
	r.peripherals[id] = p
	return p
}

// FailStartScan makes the next StartScan calls fail with err (nil restores).
func (r *FakeRadio) FailStartScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startScanErr = err
}

// FailConnect makes Connect fail with err (nil restores).
func (r *FakeRadio) FailConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

// StallConnect makes Connect wait for its context to end, like a peripheral out of range.
func (r *FakeRadio) StallConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stall = true
}

// BlockConnect holds Connect until release is called. Connect still returns a live link
// after release even if the caller gave up, so late results can be observed.
func (r *FakeRadio) BlockConnect() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.connectGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

func (r *FakeRadio) StartScan(ctx context.Context, handler device.DiscoveryHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startScanCalls++
	if r.startScanErr != nil {
		return r.startScanErr
	}
	if r.scanning {
		return device.ErrAlreadyScanning
	}
	r.scanning = true
	r.handler = handler
	r.scanCtx = ctx
	return nil
}

func (r *FakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopScanCalls++
	r.scanning = false
	r.handler = nil
	return nil
}

func (r *FakeRadio) Connect(ctx context.Context, id string) (device.Link, error) {
	r.mu.Lock()
	r.connectCalls++
	gate, err, stall := r.connectGate, r.connectErr, r.stall
	p, ok := r.peripherals[id]
	r.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		// late links are still produced; the caller must release them
		<-gate
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("peripheral not in range")
	}

	l := newFakeLink(p)
	r.mu.Lock()
	r.links = append(r.links, l)
	r.mu.Unlock()
	return l, nil
}

func (r *FakeRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.scanning = false
	r.handler = nil
	return nil
}

// Advertise delivers a discovery event to the running scan. Reports whether a scan was running.
func (r *FakeRadio) Advertise(desc device.PeripheralDescriptor) bool {
	return r.emit(device.DiscoveryEvent{Peripheral: desc})
}

// ReportError delivers an error event to the running scan.
func (r *FakeRadio) ReportError(err error) bool {
	return r.emit(device.DiscoveryEvent{Err: err})
}

func (r *FakeRadio) emit(ev device.DiscoveryEvent) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(ev)
	return true
}

func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// ScanContext returns the context passed to the most recent successful StartScan.
func (r *FakeRadio) ScanContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanCtx
}

func (r *FakeRadio) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeRadio) StartScanCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startScanCalls
}

func (r *FakeRadio) StopScanCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopScanCalls
}

func (r *FakeRadio) ConnectCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls
}

// Links returns every link produced so far, oldest first.
func (r *FakeRadio) Links() []*FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeLink(nil), r.links...)
}

// LastLink returns the most recent link or nil.
func (r *FakeRadio) LastLink() *FakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.links) == 0 {
		return nil
	}
	return r.links[len(r.links)-1]
}

// FakePeripheral describes the GATT profile and failure modes of a fake peripheral.
type FakePeripheral struct {
	id           string
	services     []device.ServiceDescriptor
	discoverErr  error
	subscribeErr error
	discoverGate chan struct{}
}

// WithService appends a service.
func (p *FakePeripheral) WithService(uuid string) *FakePeripheral {
	p.services = append(p.services, device.ServiceDescriptor{UUID: device.NormalizeUUID(uuid)})
	return p
}

// WithCharacteristic appends a characteristic to the last service. props is a comma separated
// list of read, notify, indicate.
func (p *FakePeripheral) WithCharacteristic(uuid, props string) *FakePeripheral {
	if len(p.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	c := device.CharacteristicDescriptor{UUID: device.NormalizeUUID(uuid)}
	for _, prop := range strings.Split(props, ",") {
		switch strings.TrimSpace(prop) {
		case "read":
			c.Readable = true
		case "notify", "indicate":
			c.Notifiable = true
		}
	}
	last := len(p.services) - 1
	p.services[last].Characteristics = append(p.services[last].Characteristics, c)
	return p
}

// FailDiscovery makes DiscoverServices fail.
func (p *FakePeripheral) FailDiscovery(err error) *FakePeripheral {
	p.discoverErr = err
	return p
}

// FailSubscribe makes Subscribe fail.
func (p *FakePeripheral) FailSubscribe(err error) *FakePeripheral {
	p.subscribeErr = err
	return p
}

// BlockDiscovery holds DiscoverServices until release is called or the caller's context ends.
func (p *FakePeripheral) BlockDiscovery() (release func()) {
	gate := make(chan struct{})
	p.discoverGate = gate
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// FakeLink is the connection produced by FakeRadio.Connect.
type FakeLink struct {
	peripheral *FakePeripheral

	mu            sync.Mutex
	handlers      map[device.CharacteristicRef]device.NotificationHandler
	disconnected  chan struct{}
	dropOnce      sync.Once
	subscribes    int
	unsubscribes  int
	disconnects   int
	lastSubscribe device.CharacteristicRef
}

var _ device.Link = (*FakeLink)(nil)

func newFakeLink(p *FakePeripheral) *FakeLink {
	return &FakeLink{
		peripheral:   p,
		handlers:     make(map[device.CharacteristicRef]device.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (l *FakeLink) DiscoverServices(ctx context.Context) ([]device.ServiceDescriptor, error) {
	if gate := l.peripheral.discoverGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if l.peripheral.discoverErr != nil {
		return nil, l.peripheral.discoverErr
	}
	out := make([]device.ServiceDescriptor, len(l.peripheral.services))
	for i, s := range l.peripheral.services {
		out[i] = device.ServiceDescriptor{
			UUID:            s.UUID,
			Characteristics: append([]device.CharacteristicDescriptor(nil), s.Characteristics...),
		}
	}
	return out, nil
}

func (l *FakeLink) Subscribe(_ context.Context, ref device.CharacteristicRef, handler device.NotificationHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribes++
	l.lastSubscribe = ref
	if l.peripheral.subscribeErr != nil {
		return l.peripheral.subscribeErr
	}
	l.handlers[ref] = handler
	return nil
}

func (l *FakeLink) Unsubscribe(ref device.CharacteristicRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribes++
	delete(l.handlers, ref)
	return nil
}

func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.Drop()
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Drop simulates the peripheral going out of range.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// Notify pushes a value to every active subscription. Reports whether any existed.
func (l *FakeLink) Notify(data []byte) bool {
	return l.deliver(device.Notification{Data: data})
}

// NotifyError pushes a transport error to every active subscription.
func (l *FakeLink) NotifyError(err error) bool {
	return l.deliver(device.Notification{Err: err})
}

func (l *FakeLink) deliver(n device.Notification) bool {
	l.mu.Lock()
	handlers := make([]device.NotificationHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
	return len(handlers) > 0
}

// Subscribed reports whether any subscription is active.
func (l *FakeLink) Subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers) > 0
}

// LastSubscribe returns the reference of the most recent Subscribe call.
func (l *FakeLink) LastSubscribe() device.CharacteristicRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSubscribe
}

func (l *FakeLink) SubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes
}

func (l *FakeLink) UnsubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsubscribes
}

func (l *FakeLink) DisconnectCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// IsDisconnected reports whether the link has been dropped or disconnected.
func (l *FakeLink) IsDisconnected() bool {
	select {
	case <-l.disconnected:
		return true
	default:
		return false
	}
}
