package main

import (
	"fmt"

	"github.com/LoveWonYoung/sydeflash/broadcast"
	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/eth_layer"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/stw_flashloader"
	"github.com/spf13/cobra"
)

var scanArgs struct {
	iface    string
	driver   string
	bitrate  string
	busID    string
	protocol string
	ethernet bool
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the nodes answering on the connected bus",
	Long: `Sends the openSYDE serial number broadcast (or the STW local ID search)
on a CAN bus, or the openSYDE device information broadcast on Ethernet, and
prints every node that answered.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	fs := scanCmd.Flags()
	fs.StringVarP(&scanArgs.iface, "interface", "i", "can0", "CAN device: SocketCAN interface, SLCAN serial port, PCAN channel or Vector [hwType:]channel")
	fs.StringVar(&scanArgs.driver, "driver", string(driver.KindSocketCAN), "CAN driver: socketcan, slcan, pcan or vector")
	fs.StringVarP(&scanArgs.bitrate, "bitrate", "b", "500", "CAN bitrate in kbit/s")
	fs.StringVar(&scanArgs.busID, "bus-id", "0", "openSYDE bus ID of the connected bus")
	fs.StringVar(&scanArgs.protocol, "protocol", "osy", "Flashloader protocol: osy or stw")
	fs.BoolVar(&scanArgs.ethernet, "ethernet", false, "Scan the Ethernet subnet instead of a CAN bus")
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if scanArgs.ethernet {
		sock, err := eth_layer.ListenBroadcast(ctx, nil)
		if err != nil {
			return err
		}
		defer sock.Close()
		infos, err := broadcast.NewEthernet(sock).GetDeviceInformation(ctx)
		if err != nil {
			return err
		}
		for _, d := range infos {
			fmt.Printf("%-8s %-16s %-20s %s (%s)\n", d.Address, d.IP, d.Serial, d.DeviceName, d.MAC)
		}
		fmt.Printf("%d devices\n", len(infos))
		return nil
	}

	proto, err := flash_driver.ParseProtocol(scanArgs.protocol)
	if err != nil {
		return usagef("--protocol: %v", err)
	}
	bitrate, err := parseNumber(scanArgs.bitrate)
	if err != nil || bitrate == 0 {
		return usagef("--bitrate: invalid value %q", scanArgs.bitrate)
	}
	bus, err := parseNumber(scanArgs.busID)
	if err != nil || bus > node.MaxBusID {
		return usagef("--bus-id must be 0..%d", node.MaxBusID)
	}
	adapter, err := driver.Open(driver.Kind(scanArgs.driver), scanArgs.iface, bitrate)
	if err != nil {
		return err
	}
	defer adapter.Close()

	if proto == flash_driver.ProtocolSTW {
		present, found, err := stw_flashloader.New(adapter).SearchID(ctx)
		if err != nil {
			return err
		}
		for id, ok := range present {
			if ok {
				fmt.Printf("local id %d\n", id)
			}
		}
		fmt.Printf("%d devices\n", found)
		return nil
	}

	std, ext, err := broadcast.NewCAN(adapter, uint8(bus)).ReadSerialNumbers(ctx)
	if err != nil {
		return err
	}
	for _, r := range std {
		fmt.Printf("%-8s %s\n", r.Address, r.Serial)
	}
	for _, r := range ext {
		fmt.Printf("%-8s %s (sub node %d)\n", r.Address, r.Serial, r.SubNode)
	}
	fmt.Printf("%d devices\n", len(std)+len(ext))
	return nil
}
