package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-vehicle-can/internal/diag"
)

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start the bus and print a status snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRig(cmd.Context(), o, true, func(ctx context.Context, r *rig) error {
				s := r.m.Status(ctx)
				if o.json {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				printSnapshot(cmd, s)
				return nil
			})
		},
	}
}

func printSnapshot(cmd *cobra.Command, s diag.Snapshot) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "state:        %s (ready=%t)\n", s.State, s.Ready)
	fmt.Fprintf(w, "bus:          %s tx_errors=%d rx_errors=%d\n", s.BusState, s.TxErrors, s.RxErrors)
	fmt.Fprintf(w, "config:       if=%s bitrate=%d tx=%d rx=%d loopback=%t\n", s.Interface, s.Bitrate, s.TxPin, s.RxPin, s.Loopback)
	fmt.Fprintf(w, "transceiver:  enabled=%t", s.TransceiverEnabled)
	if s.GateRegister != nil {
		fmt.Fprintf(w, " gate=0x%02X", *s.GateRegister)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "rx idle:      %s (%d/%d high)\n", s.Diagnosis, s.RxPinOnes, s.Samples)
	if s.LastError != "" {
		fmt.Fprintf(w, "last error:   %s\n", s.LastError)
	}
}

func newScanCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the board I2C bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRig(cmd.Context(), o, false, func(ctx context.Context, r *rig) error {
				found := r.m.ScanI2C(ctx)
				if o.json {
					return writeJSON(cmd.OutOrStdout(), found)
				}
				if len(found) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no devices")
					return nil
				}
				for _, d := range found {
					fmt.Fprintf(cmd.OutOrStdout(), "0x%02X  %s\n", d.Address, d.Label)
				}
				return nil
			})
		},
	}
}

func newGateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "gate on|off",
		Short:     "Switch the CAN transceiver select line",
		Long:      "Switch the transceiver select line directly. \"off\" hands the shared port to USB, e.g. for reflashing.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enable bool
			switch strings.ToLower(args[0]) {
			case "on":
				enable = true
			case "off":
			default:
				return fmt.Errorf("gate: want on or off, got %q", args[0])
			}
			return withRig(cmd.Context(), o, false, func(ctx context.Context, r *rig) error {
				if err := r.m.SetGate(ctx, enable); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "transceiver enable=%t\n", enable)
				return nil
			})
		},
	}
}
