package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
)

// options are the persistent flags shared by every command.
type options struct {
	backend    string
	canIf      string
	manageLink bool
	serialDev  string
	baud       int
	bitrate    uint32
	txPin      int
	rxPin      int
	loopback   bool
	i2c        bool
	gpioChip   string
	timeout    time.Duration
	json       bool
	logLevel   string
}

func (o *options) busConfig() canbus.Config {
	bc := canbus.Config{TxPin: o.txPin, RxPin: o.rxPin, Bitrate: o.bitrate, Loopback: o.loopback}
	switch o.backend {
	case "socketcan":
		bc.Interface = o.canIf
	case "serial":
		bc.Interface = o.serialDev
	}
	return bc
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "can-diag",
		Short: "Bench diagnostics for the vehicle CAN core",
		Long: `Drive the CAN core from the command line: bring the bus up, send
J1939 frames, sample the RX line and scan the board I2C bus.

Examples:
  can-diag status --json                          # snapshot incl. idle-line diagnosis
  can-diag send pgn=0xFF51 data=[0xFF,0,0,0,0,0,0,0]
  can-diag powercell --cell 1 --output 3 --on     # switch one POWERCELL output
  can-diag selftest                               # loopback round trip
  can-diag monitor --addr pi.local:20000          # follow a running can-control`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := logging.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}
			logging.Set(logging.New("text", lvl, cmd.ErrOrStderr()).With("app", "can-diag"))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.backend, "backend", "socketcan", "CAN backend: socketcan|serial|loopback")
	pf.StringVar(&o.canIf, "can-if", "can0", "SocketCAN interface")
	pf.BoolVar(&o.manageLink, "manage-link", false, "set the SocketCAN bitrate and link state over netlink")
	pf.StringVar(&o.serialDev, "serial", "/dev/ttyUSB0", "serial adapter device")
	pf.IntVar(&o.baud, "baud", 2000000, "serial adapter baud rate")
	pf.Uint32Var(&o.bitrate, "bitrate", canbus.DefaultBitrate, "CAN bitrate")
	pf.IntVar(&o.txPin, "tx-pin", canbus.DefaultTxPin, "CAN TX pin")
	pf.IntVar(&o.rxPin, "rx-pin", canbus.DefaultRxPin, "CAN RX pin")
	pf.BoolVar(&o.loopback, "loopback", false, "controller self-test loopback, transceiver off the bus")
	pf.BoolVar(&o.i2c, "i2c", true, "drive the CH422G gate expander (false uses an in-memory register)")
	pf.StringVar(&o.gpioChip, "gpio-chip", "", "GPIO chip for RX idle sampling (empty disables)")
	pf.DurationVar(&o.timeout, "timeout", 2*time.Second, "per-operation timeout")
	pf.BoolVar(&o.json, "json", false, "JSON output")
	pf.StringVar(&o.logLevel, "log-level", "warn", "log level: debug|info|warn|error")

	root.AddCommand(
		newStatusCmd(o),
		newScanCmd(o),
		newGateCmd(o),
		newSendCmd(o),
		newTestCmd(o),
		newSelftestCmd(o),
		newPowercellCmd(o),
		newInmotionCmd(o),
		newKeypadCmd(o),
		newOutputCmd(o),
		newListenCmd(o),
		newMonitorCmd(o),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
