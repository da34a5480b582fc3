package main

import (
	"context"
	"fmt"
	"io"

	"github.com/LoveWonYoung/sydeflash/driver"
	"github.com/LoveWonYoung/sydeflash/eth_layer"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
	"github.com/LoveWonYoung/sydeflash/node"
	"github.com/LoveWonYoung/sydeflash/report"
	"github.com/LoveWonYoung/sydeflash/tp_layer"
	"github.com/LoveWonYoung/sydeflash/update_sequence"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var updateArgs struct {
	iface  string
	driver string
}

var updateCmd = &cobra.Command{
	Use:   "update <system.toml>",
	Short: "Update every node listed in a system description",
	Long: `Reads buses, nodes and [[flash]] entries from a TOML system description
and updates the nodes in the listed order, routing through gateways where the
target is not on the connected bus.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVarP(&updateArgs.iface, "interface", "i", "can0", "CAN device for CAN systems: SocketCAN interface, SLCAN serial port, PCAN channel or Vector [hwType:]channel")
	updateCmd.Flags().StringVar(&updateArgs.driver, "driver", string(driver.KindSocketCAN), "CAN driver: socketcan, slcan, pcan or vector")
}

// openConnection 打开系统活动总线对应的通道, 返回的 Closer 释放底层资源
func openConnection(ctx context.Context, sys *update_sequence.System) (flash_driver.Connection, io.Closer, error) {
	busID := sys.Topology.Buses[sys.ActiveBus].ID
	if sys.BusType() == node.Ethernet {
		sock, err := eth_layer.ListenBroadcast(ctx, nil)
		if err != nil {
			return flash_driver.Connection{}, nil, err
		}
		return flash_driver.EthernetConnection(sock, busID, 0), sock, nil
	}
	adapter, err := driver.Open(driver.Kind(updateArgs.driver), updateArgs.iface, sys.Bitrate/1000)
	if err != nil {
		return flash_driver.Connection{}, nil, err
	}
	return flash_driver.CANConnection(adapter, busID, tp_layer.DefaultConfig()), closerFunc(adapter.Close), nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	sys, err := update_sequence.LoadSystem(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	conn, closer, err := openConnection(ctx, sys)
	if err != nil {
		return &flash_driver.StepError{Step: flash_driver.StepInit, Err: err}
	}
	defer closer.Close()

	bar := newBarReporter(ctx, "updating")
	d := flash_driver.New(
		flash_driver.WithResetWaitTable(sys.ResetWaitTable),
		flash_driver.WithReporter(bar),
	)
	defer d.Close()

	seq := &update_sequence.Sequence{
		Driver:   d,
		System:   sys,
		Conn:     conn,
		Reporter: report.Logger{},
		OnNodeDone: func(res update_sequence.NodeResult) {
			bar.Finish()
			switch {
			case res.Skipped:
				fmt.Printf("%-20s skipped\n", res.Name)
			case res.Err != nil:
				fmt.Printf("%-20s failed: %s\n", res.Name, summarize(res.Err))
			default:
				fmt.Printf("%-20s ok (%s)\n", res.Name, res.Route)
			}
		},
	}
	result, err := seq.Run(ctx, sys.Entries)
	if err != nil {
		log.Errorf("update: %v", err)
	}
	if first, failed := result.FirstFailure(); failed {
		return first.Err
	}
	fmt.Printf("%d nodes updated\n", len(result.Nodes))
	return nil
}
