package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/sydeflash/fault"
)

// MockCANDriver records writes and lets tests inject received frames.
type MockCANDriver struct {
	mu       sync.Mutex
	writes   []UnifiedCANMessage
	rx       chan UnifiedCANMessage
	ctx      context.Context
	cancel   context.CancelFunc
	initErr  error
	writeErr error
}

func NewMockCANDriver() *MockCANDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &MockCANDriver{rx: make(chan UnifiedCANMessage, 64), ctx: ctx, cancel: cancel}
}

func (m *MockCANDriver) Init() error { return m.initErr }
func (m *MockCANDriver) Start()      {}
func (m *MockCANDriver) Stop()       { m.cancel() }
func (m *MockCANDriver) Write(msg UnifiedCANMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, msg)
	return nil
}
func (m *MockCANDriver) RxChan() <-chan UnifiedCANMessage { return m.rx }
func (m *MockCANDriver) Context() context.Context         { return m.ctx }

func (m *MockCANDriver) Writes() []UnifiedCANMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UnifiedCANMessage(nil), m.writes...)
}

func mustMessage(t *testing.T, id uint32, ext bool, data []byte) UnifiedCANMessage {
	t.Helper()
	msg, err := NewMessage(id, ext, data)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestNewMessageValidation(t *testing.T) {
	if _, err := NewMessage(0x800, false, nil); err == nil {
		t.Error("standard id 0x800 accepted")
	}
	if _, err := NewMessage(0x20000000, true, nil); err == nil {
		t.Error("extended id above 29 bits accepted")
	}
	if _, err := NewMessage(0x10, false, make([]byte, 65)); err == nil {
		t.Error("65 byte payload accepted")
	}
	msg := mustMessage(t, 0x123, false, []byte{1, 2, 3})
	if msg.DLC != 3 || !bytes.Equal(msg.Payload(), []byte{1, 2, 3}) {
		t.Errorf("unexpected message %+v", msg)
	}
	fd := mustMessage(t, 0x123, false, make([]byte, 20))
	if !fd.IsFD || fd.DLC != 11 || len(fd.Payload()) != 20 {
		t.Errorf("unexpected fd message dlc=%d fd=%v", fd.DLC, fd.IsFD)
	}
}

func TestAdapterSubscribeFilter(t *testing.T) {
	dev := NewMockCANDriver()
	a, err := NewAdapter(dev)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	only51, cancel51 := a.Subscribe(8, func(m UnifiedCANMessage) bool { return m.ID == 0x51 })
	all, cancelAll := a.Subscribe(8, nil)
	defer cancelAll()

	dev.rx <- mustMessage(t, 0x52, false, []byte{1})
	dev.rx <- mustMessage(t, 0x51, false, []byte{2})

	got := <-only51
	if got.ID != 0x51 {
		t.Errorf("filtered subscriber got ID 0x%X", got.ID)
	}
	for _, want := range []uint32{0x52, 0x51} {
		select {
		case m := <-all:
			if m.ID != want {
				t.Errorf("got 0x%X, want 0x%X", m.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}

	cancel51()
	if _, ok := <-only51; ok {
		t.Error("channel still open after unsubscribe")
	}
	cancel51()
}

func TestAdapterSendWrapsTransportError(t *testing.T) {
	dev := NewMockCANDriver()
	dev.writeErr = errors.New("bus off")
	a, err := NewAdapter(dev)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.SendFrame(0x51, false, []byte{1}); err == nil || !strings.Contains(err.Error(), "bus off") {
		t.Errorf("SendFrame error = %v", err)
	}
}

func TestAdapterCloseIsIdempotent(t *testing.T) {
	a, err := NewAdapter(NewMockCANDriver())
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := a.Subscribe(1, nil)
	a.Close()
	a.Close()
	if _, ok := <-ch; ok {
		t.Error("subscription not closed")
	}
	if err := a.SendFrame(1, false, nil); err == nil {
		t.Error("send after close succeeded")
	}
}

func TestSLCANEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  UnifiedCANMessage
		want string
	}{
		{"standard", mustMessage(t, 0x51, false, []byte{0x01, 0xAB}), "t051201AB\r"},
		{"extended", mustMessage(t, 0x18ABC7E, true, []byte{0x10}), "T018ABC7E110\r"},
		{"empty", mustMessage(t, 0x7FF, false, nil), "t7FF0\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encodeSLCAN(tt.msg)
			if got != tt.want {
				t.Fatalf("encode = %q, want %q", got, tt.want)
			}
			back, err := decodeSLCAN(strings.TrimSuffix(got, "\r"))
			if err != nil {
				t.Fatal(err)
			}
			if back.ID != tt.msg.ID || back.IsExtended != tt.msg.IsExtended || !bytes.Equal(back.Payload(), tt.msg.Payload()) {
				t.Errorf("decode = %+v", back)
			}
		})
	}
}

func TestSLCANDecodeRejectsGarbage(t *testing.T) {
	for _, line := range []string{"z", "t05", "t0519", "t0512AB", "tXYZ0", "V1013"} {
		if _, err := decodeSLCAN(line); err == nil {
			t.Errorf("decodeSLCAN(%q) accepted", line)
		}
	}
}

// fakePort is a serial port whose input is fed by the test.
type fakePort struct {
	mu     sync.Mutex
	out    bytes.Buffer
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func TestSLCANDriverRoundTrip(t *testing.T) {
	port := newFakePort()
	s := NewSLCAN("fake", 500)
	s.open = func(string, int) (io.ReadWriteCloser, error) { return port, nil }

	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	if got := port.written(); got != "C\rS6\rO\r" {
		t.Errorf("setup = %q", got)
	}
	if err := s.Write(mustMessage(t, 0x51, false, []byte{0xFF, 0x03})); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(port.written(), "t0512FF03\r") {
		t.Errorf("written = %q", port.written())
	}

	// a frame split across two reads
	port.in <- []byte("t0522")
	port.in <- []byte("0103\r")
	select {
	case msg := <-s.RxChan():
		if msg.ID != 0x52 || !bytes.Equal(msg.Payload(), []byte{0x01, 0x03}) {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
}

func TestSLCANRejectsUnknownBitrate(t *testing.T) {
	s := NewSLCAN("fake", 33)
	s.open = func(string, int) (io.ReadWriteCloser, error) { return newFakePort(), nil }
	if err := s.Init(); err == nil {
		t.Error("33 kbit/s accepted")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open("kvaser", "x", 500); err == nil {
		t.Error("unknown driver kind accepted")
	}
}

func TestParsePCANChannel(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0", 0, true},
		{"15", 15, true},
		{"usb1", 0, true},
		{"USB16", 15, true},
		{"16", 0, false},
		{"usb0", 0, false},
		{"can0", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := parsePCANChannel(tt.in)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("parsePCANChannel(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestPCANHandleAndBaud(t *testing.T) {
	for ch, want := range map[int]uint16{0: 0x51, 7: 0x58, 8: 0x509, 15: 0x510} {
		if got := pcanUSBHandle(ch); got != want {
			t.Errorf("pcanUSBHandle(%d) = 0x%X, want 0x%X", ch, got, want)
		}
	}
	if code, err := pcanBaudCode(500); err != nil || code != 0x001C {
		t.Errorf("500 kbit/s = 0x%04X, %v", code, err)
	}
	if _, err := pcanBaudCode(33); err == nil {
		t.Error("33 kbit/s accepted")
	}
}

func TestParseVectorDevice(t *testing.T) {
	hw, ch, err := parseVectorDevice("1")
	if err != nil || hw != vectorHwTypeVN1640 || ch != 1 {
		t.Errorf(`"1" = %d:%d, %v`, hw, ch, err)
	}
	hw, ch, err = parseVectorDevice("57:0")
	if err != nil || hw != 57 || ch != 0 {
		t.Errorf(`"57:0" = %d:%d, %v`, hw, ch, err)
	}
	for _, bad := range []string{"", "can0", "x:1", "0:1", "59:64", "59:-1"} {
		if _, _, err := parseVectorDevice(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestOpenVendorDriverArguments(t *testing.T) {
	tests := []struct {
		kind    Kind
		device  string
		bitrate uint32
	}{
		{KindPCAN, "can0", 500},
		{KindPCAN, "0", 33},
		{KindVector, "can0", 500},
		{KindVector, "0", 0},
	}
	for _, tt := range tests {
		if _, err := Open(tt.kind, tt.device, tt.bitrate); err == nil || errors.Is(err, fault.ErrTransport) {
			t.Errorf("Open(%s, %q, %d) = %v, want argument error", tt.kind, tt.device, tt.bitrate, err)
		}
	}
}

func TestOpenVendorDriverNeedsWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("vendor driver DLLs are loaded on windows")
	}
	for _, kind := range []Kind{KindPCAN, KindVector} {
		if _, err := Open(kind, "0", 500); !errors.Is(err, fault.ErrTransport) {
			t.Errorf("Open(%s) = %v, want transport failure", kind, err)
		}
	}
}
