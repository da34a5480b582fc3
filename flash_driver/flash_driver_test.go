package flash_driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/sydeflash/broadcast"
	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/LoveWonYoung/sydeflash/services"
	"github.com/LoveWonYoung/sydeflash/stw_flashloader"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
)

var serverAddr = node.Address{Bus: 0, Node: 5}

type packet struct {
	src  node.Address
	data []byte
}

// fakeServer 模拟一个 openSYDE 闪存加载程序; bootAt 之前的请求都被丢弃
type fakeServer struct {
	mu       sync.Mutex
	bootAt   time.Time
	info     []byte
	maxLen   uint16
	crcSame  bool
	queue    []packet
	requests [][]byte
	// observe 在处理每个请求之前被调用
	observe func(req []byte)
}

func newFakeServer(features services.Features, infoMaxLen, negotiated uint16) *fakeServer {
	return &fakeServer{info: flashloaderInfo(features, infoMaxLen), maxLen: negotiated}
}

func (f *fakeServer) reboot(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootAt = time.Now().Add(d)
}

func (f *fakeServer) Send(target node.Address, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), data...))
	if f.observe != nil {
		f.observe(data)
	}
	if target != serverAddr || time.Now().Before(f.bootAt) {
		return nil
	}
	if resp := f.handle(data); resp != nil {
		f.queue = append(f.queue, packet{src: target, data: resp})
	}
	return nil
}

func (f *fakeServer) handle(req []byte) []byte {
	switch req[0] {
	case 0x10:
		return []byte{0x50, req[1]}
	case 0x22:
		return append([]byte{0x62, 0xA8, 0x10}, f.info...)
	case 0x27:
		if req[1]%2 == 1 {
			return []byte{0x67, req[1], 0, 0, 0, 0}
		}
		return []byte{0x67, req[1]}
	case 0x2E:
		return []byte{0x6E, req[1], req[2]}
	case 0x31:
		status := byte(0x01)
		if f.crcSame {
			status = 0x00
		}
		return []byte{0x71, req[1], req[2], req[3], status}
	case 0x34:
		return []byte{0x74, 0x20, byte(f.maxLen >> 8), byte(f.maxLen)}
	case 0x36:
		return []byte{0x76, req[1]}
	case 0x37:
		return []byte{0x77}
	case 0x38:
		return []byte{0x78, 0x01, 2, byte(f.maxLen >> 8), byte(f.maxLen)}
	}
	return nil
}

func (f *fakeServer) Recv() (node.Address, []byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return node.Address{}, nil, false
	}
	p := f.queue[0]
	f.queue = f.queue[1:]
	return p.src, p.data, true
}

func (f *fakeServer) Err() error { return nil }

// Close 不断开; 重新初始化的驱动会继续使用同一个 server
func (f *fakeServer) Close() error { return nil }

func (f *fakeServer) sent(sid byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, r := range f.requests {
		if r[0] == sid {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func flashloaderInfo(features services.Features, maxLen uint16) []byte {
	b := make([]byte, 0, 92)
	b = append(b, 1, 0, 0, 3, 0, 1, 0, 0, 7)
	b = append(b, 0x00, 6)
	sn := make([]byte, node.MaxFSNSerialLength)
	copy(sn, []byte{0x05, 0x12, 0x34, 0x56, 0x78, 0x90})
	b = append(b, sn...)
	b = binary.BigEndian.AppendUint32(b, 1234)
	b = append(b, make([]byte, 16)...)
	b = append(b, make([]byte, 6)...)
	b = append(b, make([]byte, 20)...)
	b = binary.BigEndian.AppendUint32(b, uint32(features))
	b = binary.BigEndian.AppendUint16(b, maxLen)
	return b
}

// fakeBus 回应 CAN 广播; 收到广播复位时让 server 按 bootDelay 重启
type fakeBus struct {
	mu        sync.Mutex
	server    *fakeServer
	bootDelay time.Duration
	reject    bool
	subs      map[chan driver.UnifiedCANMessage]driver.Filter
	frames    [][]byte
}

func newFakeBus(server *fakeServer, bootDelay time.Duration) *fakeBus {
	return &fakeBus{server: server, bootDelay: bootDelay, subs: make(map[chan driver.UnifiedCANMessage]driver.Filter)}
}

func (b *fakeBus) Subscribe(buffer int, filter driver.Filter) (<-chan driver.UnifiedCANMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan driver.UnifiedCANMessage, buffer)
	b.subs[ch] = filter
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, ch)
	}
}

func (b *fakeBus) SendFrame(id uint32, extended bool, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, append([]byte(nil), data...))
	switch data[0] {
	case 0xB8:
		resp := []byte{0xF8}
		if b.reject {
			resp = []byte{0x7F, 0xB8, 0x22}
		}
		msg, err := driver.NewMessage(tp_layer.ArbitrationID(serverAddr, node.Client(0), true), true, resp)
		if err != nil {
			return err
		}
		for ch, filter := range b.subs {
			if filter == nil || filter(msg) {
				ch <- msg
			}
		}
	case 0x11:
		b.server.reboot(b.bootDelay)
	}
	return nil
}

func testConnection(bus *fakeBus, srv *fakeServer) Connection {
	return Connection{
		Type:  node.CAN,
		BusID: 0,
		CAN:   bus,
		Link: func(context.Context, Addressing) (osy_client.Link, error) {
			return srv, nil
		},
	}
}

func testDriver(opts ...Option) *Driver {
	base := []Option{
		WithActivatePolling(50*time.Millisecond, 20*time.Millisecond, time.Second),
		WithBroadcastOptions(broadcast.WithWindow(20 * time.Millisecond)),
	}
	return New(append(base, opts...)...)
}

// writeHex 生成连续数据的 Intel HEX 文件
func writeHex(t *testing.T, dir string, address uint16, data []byte) string {
	t.Helper()
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		chunk := data[off:end]
		addr := address + uint16(off)
		sum := byte(len(chunk)) + byte(addr>>8) + byte(addr)
		fmt.Fprintf(&sb, ":%02X%04X00", len(chunk), addr)
		for _, c := range chunk {
			fmt.Fprintf(&sb, "%02X", c)
			sum += c
		}
		fmt.Fprintf(&sb, "%02X\n", byte(-int(sum)))
	}
	sb.WriteString(":00000001FF\n")
	path := filepath.Join(dir, "app.hex")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordingReporter struct {
	last    int
	stopAt  int
	updates int
}

func (r *recordingReporter) ReportProgress(permille int, _ string) bool {
	r.last = permille
	r.updates++
	return r.stopAt == 0 || r.updates < r.stopAt
}

func (r *recordingReporter) ReportStatus(string, report.Severity) {}

func TestActivateFlashloader_PollsUntilBooted(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	bus := newFakeBus(srv, 150*time.Millisecond)
	d := testDriver()
	ctx := context.Background()

	if err := d.Init(ctx, testConnection(bus, srv), 500000, Addressing{Server: serverAddr}); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := d.ActivateFlashloader(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("activated after %v, device boots at 150ms", elapsed)
	}
	if d.State() != StateFlashloaderActive {
		t.Errorf("state = %s", d.State())
	}
	attempts := srv.sent(0x10)
	if len(attempts) < 2 {
		t.Errorf("expected at least one unanswered request, got %d", len(attempts))
	}
	for _, p := range attempts {
		if p[1] != services.SessionPreProgramming {
			t.Errorf("session request 0x%02X", p[1])
		}
	}
	if bus.frames[0][0] != 0xB8 || bus.frames[1][0] != 0x11 {
		t.Errorf("broadcast order % X", bus.frames)
	}
}

func TestActivateFlashloader_NeverBoots(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	bus := newFakeBus(srv, time.Hour)
	d := New(
		WithActivatePolling(20*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond),
		WithBroadcastOptions(broadcast.WithWindow(10*time.Millisecond)),
	)
	ctx := context.Background()
	if err := d.Init(ctx, testConnection(bus, srv), 500000, Addressing{Server: serverAddr}); err != nil {
		t.Fatal(err)
	}
	err := d.ActivateFlashloader(ctx, 0)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepActivate || !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s", d.State())
	}
	// 100ms / (20ms + 10ms) + 1
	if n := len(srv.sent(0x10)); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
}

func TestActivateFlashloader_Rejected(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	bus := newFakeBus(srv, 0)
	bus.reject = true
	d := testDriver()
	ctx := context.Background()
	if err := d.Init(ctx, testConnection(bus, srv), 500000, Addressing{Server: serverAddr}); err != nil {
		t.Fatal(err)
	}
	if err := d.ActivateFlashloader(ctx, 0); !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("err = %v", err)
	}
	for _, f := range bus.frames {
		if f[0] == 0x11 {
			t.Error("reset must not be broadcast after a reject")
		}
	}
}

// readyDriver 返回已读取设备信息的驱动
func readyDriver(t *testing.T, srv *fakeServer, opts ...Option) *Driver {
	t.Helper()
	d := testDriver(opts...)
	ctx := context.Background()
	if err := d.Init(ctx, testConnection(newFakeBus(srv, 0), srv), 500000, Addressing{Server: serverAddr, InFlashloader: true}); err != nil {
		t.Fatal(err)
	}
	if err := d.ActivateFlashloader(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReadDeviceInformation(ctx); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestUpdateNode_BlockLengthFromDevice(t *testing.T) {
	srv := newFakeServer(services.Features(services.FeatureSecurityAccess), 0, 256)
	rep := &recordingReporter{}
	d := readyDriver(t, srv, WithReporter(rep))

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeHex(t, t.TempDir(), 0x1000, data)

	if err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second); err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.State() != StateCompleted {
		t.Errorf("state = %s", d.State())
	}

	blocks := srv.sent(0x36)
	total := 0
	for i, b := range blocks {
		if len(b) > 256 {
			t.Errorf("block %d is %d bytes, device allows 256", i, len(b))
		}
		if b[1] != byte(i+1) {
			t.Errorf("block %d sequence 0x%02X", i, b[1])
		}
		total += len(b) - 2
	}
	if total != len(data) {
		t.Errorf("transferred %d bytes, want %d", total, len(data))
	}
	if len(srv.sent(0x27)) != 1 {
		t.Error("security access expected")
	}
	if len(srv.sent(0x37)) != 1 {
		t.Error("transfer exit expected")
	}
	if rep.last != 1000 {
		t.Errorf("final progress = %d", rep.last)
	}
}

func TestUpdateNode_EraseUsesServerPollingTimeout(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	d := readyDriver(t, srv)
	client := d.session.(*osySession).client

	var during, other time.Duration
	srv.observe = func(req []byte) {
		if req[0] == 0x34 {
			during = client.PollingTimeout(serverAddr, 0)
			other = client.PollingTimeout(node.Address{Bus: 0, Node: 6}, 0)
		}
	}
	path := writeHex(t, t.TempDir(), 0x1000, make([]byte, 64))
	if err := d.UpdateNode(context.Background(), []string{path}, 3*time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	if during != 3*time.Second {
		t.Errorf("polling timeout during erase = %v, want download timeout", during)
	}
	if other != 0 {
		t.Errorf("other server affected: %v", other)
	}
	if after := client.PollingTimeout(serverAddr, 0); after != 0 {
		t.Errorf("polling timeout not reset after erase: %v", after)
	}
}

func TestUpdateNode_ClientLimitWins(t *testing.T) {
	srv := newFakeServer(0, 128, 4096)
	d := readyDriver(t, srv, WithMaxBlockLength(200))
	path := writeHex(t, t.TempDir(), 0, make([]byte, 600))
	if err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	for _, b := range srv.sent(0x36) {
		if len(b) > 128 {
			t.Fatalf("block of %d bytes, flashloader information allows 128", len(b))
		}
	}
}

func TestUpdateNode_SkipIfIdentical(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	srv.crcSame = true
	d := readyDriver(t, srv)
	path := writeHex(t, t.TempDir(), 0, make([]byte, 64))
	if err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second, WithSkipIfIdentical(true)); err != nil {
		t.Fatal(err)
	}
	if n := len(srv.sent(0x34)); n != 0 {
		t.Errorf("identical image must not be downloaded, got %d downloads", n)
	}
}

func TestUpdateNode_CorruptPSIRejectedBeforeIO(t *testing.T) {
	srv := newFakeServer(services.Features(services.FeatureFileBasedTransfer), 0, 256)
	d := readyDriver(t, srv)
	path := filepath.Join(t.TempDir(), "params.syde_psi")
	if err := os.WriteFile(path, []byte{0x12, 0x34, 'P', 'S', 'I', '1', 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	before := srv.count()

	err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepUpdate || !errors.Is(err, fault.ErrChecksum) {
		t.Fatalf("err = %v", err)
	}
	if srv.count() != before {
		t.Errorf("%d requests sent for a corrupt file", srv.count()-before)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s", d.State())
	}
}

func TestUpdateNode_FileBasedNeedsFeature(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	d := readyDriver(t, srv)
	path := filepath.Join(t.TempDir(), "config.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second); !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateNode_FileBased(t *testing.T) {
	srv := newFakeServer(services.Features(services.FeatureFileBasedTransfer), 0, 64)
	d := readyDriver(t, srv)
	path := filepath.Join(t.TempDir(), "config.bin")
	if err := os.WriteFile(path, make([]byte, 300), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	if len(srv.sent(0x38)) != 1 {
		t.Error("file transfer request expected")
	}
	// 64 - 2 字节开销 = 62 字节/块
	if n := len(srv.sent(0x36)); n != 5 {
		t.Errorf("blocks = %d, want 5", n)
	}
}

func TestUpdateNode_AbortFromReporter(t *testing.T) {
	srv := newFakeServer(0, 0, 34)
	rep := &recordingReporter{stopAt: 3}
	d := readyDriver(t, srv, WithReporter(rep))
	path := writeHex(t, t.TempDir(), 0, make([]byte, 320))
	err := d.UpdateNode(context.Background(), []string{path}, time.Second, time.Second)
	if !errors.Is(err, fault.ErrAborted) {
		t.Fatalf("err = %v", err)
	}
	if n := len(srv.sent(0x36)); n != 2 {
		t.Errorf("blocks after abort = %d, want 2", n)
	}
	if len(srv.sent(0x37)) != 0 {
		t.Error("no transfer exit after abort")
	}
}

func TestStepsOutOfOrder(t *testing.T) {
	d := New()
	ctx := context.Background()
	err := d.ActivateFlashloader(ctx, 0)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepActivate || !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("err = %v", err)
	}
	if d.State() != StateUninitialized {
		t.Errorf("state = %s", d.State())
	}

	srv := newFakeServer(0, 0, 256)
	if err := d.Init(ctx, testConnection(newFakeBus(srv, 0), srv), 500000, Addressing{Server: serverAddr}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateNode(ctx, []string{"x.hex"}, 0, 0); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("update before read info: %v", err)
	}
	if _, err := d.ReadDeviceInformation(ctx); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("read info before activate: %v", err)
	}
	if d.State() != StateInitialized {
		t.Errorf("state = %s", d.State())
	}
}

func TestInit_Validation(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	bus := newFakeBus(srv, 0)
	ctx := context.Background()
	tests := []struct {
		name    string
		conn    Connection
		bitrate uint32
		addr    Addressing
		want    error
	}{
		{"no bitrate", testConnection(bus, srv), 0, Addressing{Server: serverAddr}, fault.ErrPrecondition},
		{"bad node", testConnection(bus, srv), 500000, Addressing{Server: node.Address{Node: 200}}, fault.ErrPrecondition},
		{"stw on ethernet", Connection{Type: node.Ethernet}, 0, Addressing{Protocol: ProtocolSTW}, fault.ErrPrecondition},
		{"stw routed", testConnection(bus, srv), 500000, Addressing{Protocol: ProtocolSTW, Routed: true}, fault.ErrTopology},
		{"no link", Connection{Type: node.CAN, CAN: bus}, 500000, Addressing{Server: serverAddr}, fault.ErrPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			err := d.Init(ctx, tt.conn, tt.bitrate, tt.addr)
			var stepErr *StepError
			if !errors.As(err, &stepErr) || stepErr.Step != StepInit || !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if d.State() != StateUninitialized {
				t.Errorf("state = %s", d.State())
			}
		})
	}
}

func TestReadDeviceInformation_Cached(t *testing.T) {
	srv := newFakeServer(0, 512, 256)
	d := readyDriver(t, srv)
	info := d.Information()
	if info == nil || info.Flashloader.MaxBlockLength != 512 {
		t.Fatalf("info = %+v", info)
	}

	ctx := context.Background()
	if err := d.Init(ctx, testConnection(newFakeBus(srv, 0), srv), 500000, Addressing{Server: serverAddr, InFlashloader: true}); err != nil {
		t.Fatal(err)
	}
	if err := d.ActivateFlashloader(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReadDeviceInformation(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(srv.sent(0x22)); n != 1 {
		t.Errorf("flashloader information read %d times, want 1", n)
	}
}

func TestResetSystem(t *testing.T) {
	srv := newFakeServer(0, 0, 256)
	d := readyDriver(t, srv)
	if err := d.ResetSystem(context.Background()); err != nil {
		t.Fatal(err)
	}
	resets := srv.sent(0x11)
	if len(resets) != 1 || resets[0][1] != services.ResetHard|0x80 {
		t.Errorf("resets = % X", resets)
	}
	if d.State() != StateReset {
		t.Errorf("state = %s", d.State())
	}

	srv2 := newFakeServer(0, 0, 256)
	d2 := readyDriver(t, srv2, WithoutStartApplication())
	if err := d2.ResetSystem(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(srv2.sent(0x11)) != 0 {
		t.Error("node must stay in flashloader")
	}
}

func TestRecordConfigurationChange(t *testing.T) {
	d := New(WithResetWaitTable(DefaultResetWaitTable().Merge(ResetWaitTable{FundamentalComChangesCAN: 3 * time.Second})))
	if got := d.MinimumFlashloaderResetWaitTime(FundamentalComChangesCAN); got != 3*time.Second {
		t.Errorf("wait = %v", got)
	}
	if got := d.MinimumFlashloaderResetWaitTime(NoChangesEthernet); got != 5*time.Second {
		t.Errorf("wait = %v", got)
	}
	d.RecordConfigurationChange(NoChangesCAN)
	d.RecordConfigurationChange(FundamentalComChangesCAN)
	d.RecordConfigurationChange(NoFundamentalComChangesCAN)
	if d.pendingWait != 3*time.Second {
		t.Errorf("pending wait = %v", d.pendingWait)
	}
}

func TestChangeKindFor(t *testing.T) {
	tests := []struct {
		bus                  node.BusType
		changed, fundamental bool
		want                 ChangeKind
	}{
		{node.CAN, false, false, NoChangesCAN},
		{node.Ethernet, false, false, NoChangesEthernet},
		{node.CAN, true, false, NoFundamentalComChangesCAN},
		{node.Ethernet, true, true, FundamentalComChangesEthernet},
	}
	for _, tt := range tests {
		if got := ChangeKindFor(tt.bus, tt.changed, tt.fundamental); got != tt.want {
			t.Errorf("ChangeKindFor(%v, %v, %v) = %v, want %v", tt.bus, tt.changed, tt.fundamental, got, tt.want)
		}
	}
}

func TestSTWSession_Preconditions(t *testing.T) {
	cfg := defaultConfig()
	bus := newFakeBus(newFakeServer(0, 0, 0), 0)
	s, err := newSTWSession(&cfg, Connection{Type: node.CAN, CAN: bus}, Addressing{Protocol: ProtocolSTW, LocalID: 3})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.update(ctx, []string{"a.hex", "b.hex"}, timeouts{}, updateOptions{}, nil); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("two files: %v", err)
	}
	if err := s.update(ctx, []string{"params.syde_psi"}, timeouts{}, updateOptions{}, nil); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("file based: %v", err)
	}
	if err := s.checkMemory(ctx, 0, 16); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("check memory: %v", err)
	}
	if err := s.hops().StartRoutingSpecific(ctx, routing.Hop{Gateway: serverAddr}, routing.Route{Target: serverAddr}); !errors.Is(err, fault.ErrTopology) {
		t.Errorf("routing: %v", err)
	}
	if len(bus.frames) != 0 {
		t.Errorf("no frames expected, got % X", bus.frames)
	}
}

func TestSTWSession_SerialAddressingResetsAllNodes(t *testing.T) {
	cfg := defaultConfig()
	cfg.ActivateWindow = 0
	bus := newFakeBus(newFakeServer(0, 0, 0), 0)
	sn := node.NewPOSSerial([node.POSSerialLength]byte{0x05, 0x12, 0x34, 0x56, 0x78, 0x90})
	s, err := newSTWSession(&cfg, Connection{Type: node.CAN, CAN: bus}, Addressing{Protocol: ProtocolSTW, LocalID: 7, Serial: sn})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	// 没有设备应答, 唤醒超时; 这里只关心复位帧的目标
	_ = s.activate(ctx, 10*time.Millisecond)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.frames) == 0 {
		t.Fatal("no frames sent")
	}
	if first := bus.frames[0]; len(first) < 2 || first[0] != stw_flashloader.AllLocalIDs || first[1] != 0x0B {
		t.Errorf("first frame % X, want node reset to all local IDs", first)
	}
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"": ProtocolOpenSYDE, "OSY": ProtocolOpenSYDE, "stw": ProtocolSTW} {
		got, err := ParseProtocol(in)
		if err != nil || got != want {
			t.Errorf("ParseProtocol(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseProtocol("kwp"); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("err = %v", err)
	}
}
