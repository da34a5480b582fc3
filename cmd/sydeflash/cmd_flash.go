package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// 根命令参数; 数值参数先按字符串接收, 由 parseNumber 解析
var flashArgs struct {
	nodeID          string
	busID           string
	file            string
	iface           string
	driver          string
	bitrate         string
	protocol        string
	resetWait       string
	downloadTimeout string
	transferTimeout string
	noExitOnError   bool
	noStartApp      bool
}

func addFlashFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flashArgs.nodeID, "node-id", "n", "", "Node ID (openSYDE) or local ID (STW) of the node to flash")
	fs.StringVar(&flashArgs.busID, "bus-id", "0", "openSYDE bus ID of the connected bus")
	fs.StringVarP(&flashArgs.file, "file", "f", "", "HEX or S-record file to flash")
	fs.StringVarP(&flashArgs.iface, "interface", "i", "can0", "CAN device: SocketCAN interface, SLCAN serial port, PCAN channel or Vector [hwType:]channel")
	fs.StringVar(&flashArgs.driver, "driver", string(driver.KindSocketCAN), "CAN driver: socketcan, slcan, pcan or vector")
	fs.StringVarP(&flashArgs.bitrate, "bitrate", "b", "500", "CAN bitrate in kbit/s")
	fs.StringVar(&flashArgs.protocol, "protocol", "osy", "Flashloader protocol: osy or stw")
	fs.StringVar(&flashArgs.resetWait, "reset-wait", "1000", "Time in ms the node needs to start its flashloader after reset")
	fs.StringVar(&flashArgs.downloadTimeout, "download-timeout", "20000", "Request download timeout in ms (covers flash erase)")
	fs.StringVar(&flashArgs.transferTimeout, "transfer-timeout", "1000", "Transfer data timeout in ms")
	fs.BoolVar(&flashArgs.noExitOnError, "no-exit-on-error", false, "Still reset the node after a failed step")
	fs.BoolVar(&flashArgs.noStartApp, "no-start-application", false, "Leave the node in its flashloader after the update")
}

// flashPlan 是校验过的根命令参数
type flashPlan struct {
	addr            flash_driver.Addressing
	busID           uint8
	bitrate         uint32 // kbit/s
	resetWait       time.Duration
	downloadTimeout time.Duration
	transferTimeout time.Duration
}

func parseMillis(name, s string) (time.Duration, error) {
	v, err := parseNumber(s)
	if err != nil {
		return 0, usagef("--%s: %v", name, err)
	}
	return time.Duration(v) * time.Millisecond, nil
}

func parseFlashArgs() (*flashPlan, error) {
	if flashArgs.file == "" {
		return nil, usagef("--file is required")
	}
	if flashArgs.nodeID == "" {
		return nil, usagef("--node-id is required")
	}
	if _, err := os.Stat(flashArgs.file); err != nil {
		return nil, usagef("--file: %v", err)
	}
	proto, err := flash_driver.ParseProtocol(flashArgs.protocol)
	if err != nil {
		return nil, usagef("--protocol: %v", err)
	}
	id, err := parseNumber(flashArgs.nodeID)
	if err != nil {
		return nil, usagef("--node-id: %v", err)
	}
	bus, err := parseNumber(flashArgs.busID)
	if err != nil || bus > node.MaxBusID {
		return nil, usagef("--bus-id must be 0..%d", node.MaxBusID)
	}
	switch {
	case proto == flash_driver.ProtocolOpenSYDE && id > node.MaxNodeID:
		return nil, usagef("--node-id must be 0..%d for openSYDE", node.MaxNodeID)
	case id > 0xFE:
		return nil, usagef("--node-id must be 0..254 for STW")
	}
	bitrate, err := parseNumber(flashArgs.bitrate)
	if err != nil || bitrate == 0 {
		return nil, usagef("--bitrate: invalid value %q", flashArgs.bitrate)
	}

	p := &flashPlan{busID: uint8(bus), bitrate: bitrate}
	if p.resetWait, err = parseMillis("reset-wait", flashArgs.resetWait); err != nil {
		return nil, err
	}
	if p.downloadTimeout, err = parseMillis("download-timeout", flashArgs.downloadTimeout); err != nil {
		return nil, err
	}
	if p.transferTimeout, err = parseMillis("transfer-timeout", flashArgs.transferTimeout); err != nil {
		return nil, err
	}
	p.addr = flash_driver.Addressing{
		Protocol: proto,
		Server:   node.Address{Bus: uint8(bus), Node: uint8(id)},
		LocalID:  byte(id),
	}
	return p, nil
}

func runFlash(cmd *cobra.Command, _ []string) error {
	plan, err := parseFlashArgs()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	adapter, err := driver.Open(driver.Kind(flashArgs.driver), flashArgs.iface, plan.bitrate)
	if err != nil {
		return &flash_driver.StepError{Step: flash_driver.StepInit, Err: err}
	}
	defer adapter.Close()

	bar := newBarReporter(ctx, "flashing")
	opts := []flash_driver.Option{flash_driver.WithReporter(bar)}
	if flashArgs.noStartApp {
		opts = append(opts, flash_driver.WithoutStartApplication())
	}
	d := flash_driver.New(opts...)
	defer d.Close()

	conn := flash_driver.CANConnection(adapter, plan.busID, tp_layer.DefaultConfig())
	if err := d.Init(ctx, conn, plan.bitrate*1000, plan.addr); err != nil {
		return err
	}
	err = flashSteps(ctx, d, plan)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s flashed\n", plan.addr, flashArgs.file)
	return nil
}

// flashSteps 按顺序执行激活, 读信息, 更新, 复位.
// --no-exit-on-error 时失败后仍然复位节点, 返回第一个错误.
func flashSteps(ctx context.Context, d *flash_driver.Driver, plan *flashPlan) error {
	steps := []func() error{
		func() error { return d.ActivateFlashloader(ctx, plan.resetWait) },
		func() error {
			info, err := d.ReadDeviceInformation(ctx)
			if err == nil {
				logDeviceInfo(info)
			}
			return err
		},
		func() error {
			return d.UpdateNode(ctx, []string{flashArgs.file}, plan.downloadTimeout, plan.transferTimeout)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			if flashArgs.noExitOnError {
				if rerr := d.ResetSystem(context.WithoutCancel(ctx)); rerr != nil {
					log.Warnf("reset after failure: %v", rerr)
				}
			}
			return err
		}
	}
	return d.ResetSystem(ctx)
}

func logDeviceInfo(info *flash_driver.DeviceInfo) {
	if info == nil {
		return
	}
	if fl := info.Flashloader; fl != nil {
		log.WithFields(log.Fields{
			"serial":   fl.SerialNumber.String(),
			"article":  fl.ArticleNumber,
			"hardware": fl.HardwareVersion,
			"flashes":  fl.FlashCount,
		}).Infof("flashloader %s, protocol %s", fl.SoftwareVersion, fl.ProtocolVersion)
		return
	}
	log.Infof("STW device: %s", info.Text)
}
