package flash_driver

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/LoveWonYoung/sydeflash/broadcast"
	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/osy_client"
	"github.com/LoveWonYoung/sydeflash/psi"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/routing"
	"github.com/LoveWonYoung/sydeflash/services"
	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// ECU 复位类型 (以太网 NetReset 使用同样的编码)
const netResetHard byte = 0x01

type osySession struct {
	cfg  *Config
	conn Connection
	addr Addressing
	info *services.FlashloaderInformation

	client *osy_client.Client
	dsc    *services.DiagnosticSessionControl
	ecu    *services.ECUReset
	sec    *services.SecurityAccess
	rdbi   *services.ReadDataByIdentifier
	wdbi   *services.WriteDataByIdentifier
	rc     *services.RoutineControl
	rd     *services.RequestDownload
	rft    *services.RequestFileTransfer
	td     *services.TransferData
	exit   *services.RequestTransferExit
}

func newOsySession(ctx context.Context, cfg *Config, conn Connection, addr Addressing) (*osySession, error) {
	if conn.Link == nil {
		return nil, fmt.Errorf("connection has no openSYDE link: %w", fault.ErrPrecondition)
	}
	if err := addr.Server.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
	}
	s := &osySession{cfg: cfg, conn: conn, addr: addr}
	if err := s.ensureClient(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *osySession) server() node.Address { return s.addr.Server }

// ensureClient 按需打开链路并重建所有服务
func (s *osySession) ensureClient(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	link, err := s.conn.Link(ctx, s.addr)
	if err != nil {
		return err
	}
	c := osy_client.NewClient(link)
	s.client = c
	s.dsc = services.NewDiagnosticSessionControl(c)
	s.ecu = services.NewECUReset(c)
	s.sec = services.NewSecurityAccess(c, s.cfg.KeyFunc)
	s.rdbi = services.NewReadDataByIdentifier(c)
	s.wdbi = services.NewWriteDataByIdentifier(c)
	s.rc = services.NewRoutineControl(c)
	s.rd = services.NewRequestDownload(c)
	s.rft = services.NewRequestFileTransfer(c)
	s.td = services.NewTransferData(c)
	s.exit = services.NewRequestTransferExit(c)
	return nil
}

func (s *osySession) dropClient() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		log.Debugf("close link to %s: %v", s.server(), err)
	}
	s.client = nil
}

func (s *osySession) activate(ctx context.Context, wait time.Duration) error {
	if !s.addr.InFlashloader {
		if err := s.requestFlashloader(ctx); err != nil {
			return err
		}
	}
	// 以太网设备复位后 TCP 连接失效, 轮询时重新连接
	if s.conn.Type == node.Ethernet && !s.addr.InFlashloader {
		s.dropClient()
	}
	log.Debugf("waiting %v for %s to start its flashloader", wait, s.server())
	if err := sleep(ctx, wait); err != nil {
		return err
	}
	return s.awaitFlashloader(ctx)
}

// requestFlashloader 本地总线上用广播, 经路由时用定向复位
func (s *osySession) requestFlashloader(ctx context.Context) error {
	if s.addr.Routed {
		if err := s.ensureClient(ctx); err != nil {
			return err
		}
		return s.ecu.ResetNoResponse(s.server(), services.ResetToFlashloader)
	}

	switch s.conn.Type {
	case node.Ethernet:
		if s.conn.Socket == nil {
			return fmt.Errorf("no broadcast socket: %w", fault.ErrPrecondition)
		}
		bc := broadcast.NewEthernet(s.conn.Socket, s.cfg.BroadcastOptions...)
		rejected, err := bc.RequestProgramming(ctx)
		if err != nil {
			return err
		}
		for _, from := range rejected {
			log.Warnf("device %s rejected request programming", from)
		}
		return bc.NetReset(netResetHard)
	default:
		if s.conn.CAN == nil {
			return fmt.Errorf("no CAN bus: %w", fault.ErrPrecondition)
		}
		bc := broadcast.NewCAN(s.conn.CAN, s.conn.BusID, s.cfg.BroadcastOptions...)
		rejected, err := bc.RequestProgramming(ctx)
		if err != nil {
			return err
		}
		for _, a := range rejected {
			if a == s.server() {
				return fmt.Errorf("server %s rejected request programming: %w", a, fault.ErrPrecondition)
			}
			log.Warnf("server %s rejected request programming", a)
		}
		return bc.Reset()
	}
}

// awaitFlashloader 在激活窗口内反复进入预编程会话; 只有超时 (设备还没启动完) 才重试
func (s *osySession) awaitFlashloader(ctx context.Context) error {
	cfg := s.cfg
	step := cfg.PollTimeout + cfg.PollInterval
	attempts := uint(1)
	if step > 0 {
		attempts += uint(cfg.ActivateWindow / step)
	}
	defer func() {
		if s.dsc != nil {
			s.dsc.SetTimeout(0)
		}
	}()

	return retry.Do(
		func() error {
			if err := s.ensureClient(ctx); err != nil {
				return err
			}
			s.dsc.SetTimeout(cfg.PollTimeout)
			_, err := s.dsc.Start(ctx, s.server(), services.SessionPreProgramming)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, fault.ErrTimeout) {
				return true
			}
			// 以太网设备启动期间会拒绝连接
			return s.conn.Type == node.Ethernet && errors.Is(err, fault.ErrUnreachable)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("flashloader of %s not answering yet (attempt %d/%d): %v", s.server(), n+1, attempts, err)
		}),
	)
}

func (s *osySession) readInfo(ctx context.Context) (*DeviceInfo, error) {
	info, err := s.rdbi.ReadFlashloaderInformation(ctx, s.server())
	if err != nil {
		return nil, err
	}
	s.info = info
	log.WithFields(log.Fields{
		"node":     s.server().String(),
		"serial":   info.SerialNumber.String(),
		"software": info.SoftwareVersion.String(),
	}).Infof("flashloader information read, max block length %d", info.MaxBlockLength)
	return &DeviceInfo{Protocol: ProtocolOpenSYDE, Flashloader: info}, nil
}

func (s *osySession) adoptInfo(info *DeviceInfo) {
	if info != nil {
		s.info = info.Flashloader
	}
}

func (s *osySession) checkMemory(ctx context.Context, address, size uint32) error {
	return s.rc.CheckFlashMemoryAvailable(ctx, s.server(), address, size)
}

type filePlan struct {
	path    string
	image   *services.Image // 按地址
	content []byte          // 按文件
	size    uint64
}

// planFiles 在任何设备通信之前读取并检查全部文件
func planFiles(files []string) ([]filePlan, uint64, error) {
	if len(files) == 0 {
		return nil, 0, fmt.Errorf("no files to update: %w", fault.ErrPrecondition)
	}
	plans := make([]filePlan, 0, len(files))
	var total uint64
	for _, f := range files {
		p := filePlan{path: f}
		if services.IsAddressBased(f) {
			img, err := services.ReadImage(f)
			if err != nil {
				return nil, 0, fmt.Errorf("%s: %w: %w", f, fault.ErrPrecondition, err)
			}
			if len(img.Segments) == 0 {
				return nil, 0, fmt.Errorf("%s contains no data: %w", f, fault.ErrPrecondition)
			}
			p.image = img
			p.size = img.Size()
		} else {
			if psi.IsImageFile(f) {
				if err := psi.ValidateFile(f); err != nil {
					return nil, 0, err
				}
			}
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: %w", fault.ErrPrecondition, err)
			}
			if len(data) == 0 || uint64(len(data)) > 0xFFFFFFFF {
				return nil, 0, fmt.Errorf("%s: size %d not transferable: %w", f, len(data), fault.ErrPrecondition)
			}
			p.content = data
			p.size = uint64(len(data))
		}
		plans = append(plans, p)
		total += p.size
	}
	return plans, total, nil
}

func (s *osySession) update(ctx context.Context, files []string, t timeouts, opts updateOptions, r report.Reporter) error {
	plans, total, err := planFiles(files)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.image == nil && s.info != nil && !s.info.Features.Has(services.FeatureFileBasedTransfer) {
			return fmt.Errorf("%s: device does not support file based transfer: %w", p.path, fault.ErrPrecondition)
		}
	}

	server := s.server()
	if _, err := s.dsc.Start(ctx, server, services.SessionProgramming); err != nil {
		return fmt.Errorf("enter programming session: %w", err)
	}
	if s.info != nil && s.info.Features.Has(services.FeatureSecurityAccess) {
		if err := s.sec.Unlock(ctx, server, s.cfg.SecurityLevel); err != nil {
			return fmt.Errorf("security access: %w", err)
		}
	}
	if err := s.wdbi.WriteFingerprint(ctx, server, services.Fingerprint{Time: time.Now(), User: s.cfg.FingerprintUser}); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}

	s.td.SetTimeout(t.transfer)
	s.exit.SetTimeout(t.transfer)

	prog := &progress{r: r, total: total}
	r.ReportProgress(0, "starting update")
	for i, p := range plans {
		prog.text = filepath.Base(p.path)
		if p.image != nil {
			err = s.updateAddressBased(ctx, uint32(i), p, opts, t.download, prog)
		} else {
			err = s.updateFileBased(ctx, p, t.download, prog)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", p.path, err)
		}
		r.ReportStatus(fmt.Sprintf("%s written to %s", prog.text, server), report.Info)
	}
	return nil
}

// erasing 在擦除期间放宽该服务器的响应超时, 其他服务器不受影响
func (s *osySession) erasing(d time.Duration, fn func() error) error {
	if d <= 0 {
		return fn()
	}
	server := s.server()
	s.client.SetPollingTimeout(server, d)
	defer s.client.ResetPollingTimeout(server)
	return fn()
}

func (s *osySession) updateAddressBased(ctx context.Context, block uint32, p filePlan, opts updateOptions, erase time.Duration, prog *progress) error {
	server := s.server()
	if opts.skipIfIdentical {
		h := crc32.NewIEEE()
		for _, seg := range p.image.Segments {
			h.Write(seg.Data)
		}
		same, err := s.rc.CheckApplicationCRC(ctx, server, block, h.Sum32())
		if err != nil {
			return err
		}
		if same {
			log.Infof("%s already on %s, skipped", p.path, server)
			prog.done += p.size
			return nil
		}
	}

	for _, seg := range p.image.Segments {
		if err := s.rc.CheckFlashMemoryAvailable(ctx, server, seg.Address, uint32(len(seg.Data))); err != nil {
			return err
		}
	}
	for _, seg := range p.image.Segments {
		var resp *services.RequestDownloadResponse
		err := s.erasing(erase, func() (err error) {
			resp, err = s.rd.RequestDownload(ctx, server, seg.Address, uint32(len(seg.Data)))
			return err
		})
		if err != nil {
			return fmt.Errorf("request download 0x%08X: %w", seg.Address, err)
		}
		sess, err := services.NewTransferSession(s.td, server, services.AddressBased, s.blockLength(resp.MaxLength), uint64(len(seg.Data)))
		if err != nil {
			return err
		}
		if err := stream(ctx, sess, seg.Data, prog); err != nil {
			return err
		}
		if _, err := s.exit.AddressBased(ctx, sess, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *osySession) updateFileBased(ctx context.Context, p filePlan, erase time.Duration, prog *progress) error {
	server := s.server()
	var resp *services.RequestDownloadResponse
	err := s.erasing(erase, func() (err error) {
		resp, err = s.rft.AddFile(ctx, server, p.path, uint32(p.size))
		return err
	})
	if err != nil {
		return fmt.Errorf("request file transfer: %w", err)
	}
	sess, err := services.NewTransferSession(s.td, server, services.FileBased, s.blockLength(resp.MaxLength), p.size)
	if err != nil {
		return err
	}
	if err := stream(ctx, sess, p.content, prog); err != nil {
		return err
	}
	_, err = s.exit.FileBased(ctx, sess, p.content)
	return err
}

// blockLength = min(客户端配置, 设备信息, 本次协商结果)
func (s *osySession) blockLength(negotiated uint64) uint64 {
	n := uint64(s.cfg.MaxBlockLength)
	if s.info != nil && s.info.MaxBlockLength > 0 && uint64(s.info.MaxBlockLength) < n {
		n = uint64(s.info.MaxBlockLength)
	}
	if negotiated > 0 && negotiated < n {
		n = negotiated
	}
	return n
}

// stream 按会话的块长度依次发送数据; 任何失败立即停止, 不重发同一块
func stream(ctx context.Context, sess *services.TransferSession, data []byte, prog *progress) error {
	for _, chunk := range services.SplitBlock(data, sess.PayloadLimit()) {
		if err := ctx.Err(); err != nil {
			sess.Close()
			return err
		}
		if err := sess.Send(ctx, sess.NextSequence(), chunk); err != nil {
			return err
		}
		if !prog.add(len(chunk)) {
			sess.Close()
			return fault.ErrAborted
		}
	}
	return nil
}

func (s *osySession) reset(ctx context.Context) error {
	if !s.cfg.StartApplication {
		log.Infof("leaving %s in flashloader", s.server())
		return nil
	}
	if err := s.ensureClient(ctx); err != nil {
		return err
	}
	return s.ecu.ResetNoResponse(s.server(), services.ResetHard)
}

func (s *osySession) hops() routing.HopController { return osyHops{s} }

func (s *osySession) close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// osyHops 在网关上打开和关闭 RouteDiagnosisCommunication
type osyHops struct{ s *osySession }

func (h osyHops) StartRoutingSpecific(ctx context.Context, hop routing.Hop, route routing.Route) error {
	if err := h.s.ensureClient(ctx); err != nil {
		return err
	}
	if _, err := h.s.dsc.Start(ctx, hop.Gateway, services.SessionExtended); err != nil {
		return err
	}
	return h.s.rc.StartRouting(ctx, hop.Gateway, services.RouteHop{InBus: hop.InBusID, OutBus: hop.OutBusID, Target: route.Target})
}

func (h osyHops) StopRoutingSpecific(ctx context.Context, hop routing.Hop, route routing.Route) error {
	if err := h.s.ensureClient(ctx); err != nil {
		return err
	}
	return h.s.rc.StopRouting(ctx, hop.Gateway, services.RouteHop{InBus: hop.InBusID, OutBus: hop.OutBusID, Target: route.Target})
}
