package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-vehicle-can/internal/control"
	"github.com/kstaniek/go-vehicle-can/internal/framespec"
	"github.com/kstaniek/go-vehicle-can/internal/j1939"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

var errSendFailed = errors.New("frame not sent (see log)")

// sendOne brings the bus up, transmits r and reports it.
func sendOne(cmd *cobra.Command, o *options, r j1939.FrameRequest) error {
	return withRig(cmd.Context(), o, true, func(_ context.Context, rg *rig) error {
		if !rg.m.SendFrame(r) {
			return errSendFailed
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s)\n", framespec.Format(r), j1939.Describe(r.PGN))
		return nil
	})
}

func newSendCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <frame>",
		Short: "Send one J1939 frame described as key=value pairs",
		Long: `Send one frame. Keys: pgn (required), prio|priority, src|sa, dst|da,
data=[...] and len. Numbers are decimal, 0x hex or 0b binary.

  can-diag send pgn=0xFF51 prio=6 src=0x63 data=[0xFF,0,0,0,0,0,0,0]`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := framespec.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return sendOne(cmd, o, r)
		},
	}
}

func newTestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Send the broadcast test frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRig(cmd.Context(), o, true, func(ctx context.Context, r *rig) error {
				if err := r.m.SendTestFrame(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", framespec.Format(control.TestFrame()))
				return nil
			})
		},
	}
}

// newSelftestCmd forces controller loopback, sends the test frame and
// expects it back. It checks the driver and the TX/RX path without a bus.
func newSelftestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Loopback round trip of the test frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo := *o
			lo.loopback = true
			return withRig(cmd.Context(), &lo, true, func(ctx context.Context, r *rig) error {
				if err := r.m.SendTestFrame(ctx); err != nil {
					return err
				}
				want, _, _, err := j1939.Encode(control.TestFrame())
				if err != nil {
					return err
				}
				for _, fr := range r.m.Receive(o.timeout / 2) {
					if fr.ID == want {
						fmt.Fprintf(cmd.OutOrStdout(), "selftest ok: 0x%08X came back\n", fr.ID)
						return nil
					}
				}
				return fmt.Errorf("selftest: frame 0x%08X not received", want)
			})
		},
	}
}

func newPowercellCmd(o *options) *cobra.Command {
	var (
		cell, output uint8
		on, poll     bool
		config       int
	)
	cmd := &cobra.Command{
		Use:   "powercell",
		Short: "Switch a POWERCELL output, poll a cell or send its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cell < 1 || cell > j1939.PowercellMaxAddress {
				return fmt.Errorf("cell must be 1..%d", j1939.PowercellMaxAddress)
			}
			var r j1939.FrameRequest
			switch {
			case poll:
				r = j1939.PowercellPoll(cell)
			case config >= 0:
				if config > 0xFF {
					return fmt.Errorf("config must be 0..255")
				}
				r = j1939.PowercellConfig(cell, uint8(config))
			default:
				if output < 1 || output > j1939.PowercellOutputs {
					return fmt.Errorf("output must be 1..%d", j1939.PowercellOutputs)
				}
				state := j1939.StateOff
				if on {
					state = j1939.StateOn
				}
				r = j1939.PowercellOutput(cell, output, state)
			}
			return sendOne(cmd, o, r)
		},
	}
	f := cmd.Flags()
	f.Uint8Var(&cell, "cell", 1, "cell address 1..16")
	f.Uint8Var(&output, "output", 1, "output 1..8")
	f.BoolVar(&on, "on", false, "switch the output on (default off)")
	f.BoolVar(&poll, "poll", false, "request a status report instead")
	f.IntVar(&config, "config", -1, "send this configuration byte instead")
	cmd.MarkFlagsMutuallyExclusive("poll", "config", "on")
	return cmd
}

func newInmotionCmd(o *options) *cobra.Command {
	var (
		motor, position, speed uint8
		stop                   bool
	)
	cmd := &cobra.Command{
		Use:   "inmotion",
		Short: "Drive or stop an inMOTION motor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := j1939.InmotionControl(motor, position, speed)
			if stop {
				r = j1939.InmotionStop(motor)
			}
			return sendOne(cmd, o, r)
		},
	}
	f := cmd.Flags()
	f.Uint8Var(&motor, "motor", 1, "motor number")
	f.Uint8Var(&position, "position", j1939.InmotionCenter, "target position")
	f.Uint8Var(&speed, "speed", 0, "speed")
	f.BoolVar(&stop, "stop", false, "center the motor at zero speed")
	return cmd
}

func newOutputCmd(o *options) *cobra.Command {
	var (
		output int
		on     bool
	)
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Switch an Infinitybox output (1 or 9) with its frame sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seq, err := j1939.OutputSequence(output, on)
			if err != nil {
				return err
			}
			return withRig(cmd.Context(), o, true, func(ctx context.Context, r *rig) error {
				if err := r.m.SendOutputSequence(ctx, output, on); err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, f := range seq {
					fmt.Fprintf(w, "sent 0x%08X %s\n", j1939.RawIdentifier(j1939.SequencePriority, f.PGN, j1939.ToolSource), f)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&output, "output", 1, "output number (1 or 9)")
	f.BoolVar(&on, "on", false, "switch on (default off)")
	return cmd
}

func newKeypadCmd(o *options) *cobra.Command {
	var (
		led        uint8
		on         bool
		rgb        uint32
		brightness int
	)
	cmd := &cobra.Command{
		Use:   "keypad",
		Short: "Set a keypad LED or the backlight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brightness >= 0 {
				if brightness > 0xFF {
					return fmt.Errorf("brightness must be 0..255")
				}
				return sendOne(cmd, o, j1939.KeypadBacklight(uint8(brightness)))
			}
			state := j1939.StateOff
			if on {
				state = j1939.StateOn
			}
			return sendOne(cmd, o, j1939.KeypadLED(led, state, rgb))
		},
	}
	f := cmd.Flags()
	f.Uint8Var(&led, "led", 1, "LED number")
	f.BoolVar(&on, "on", false, "switch the LED on")
	f.Uint32Var(&rgb, "rgb", 0xFFFFFF, "LED colour 0xRRGGBB")
	f.IntVar(&brightness, "backlight", -1, "set backlight brightness instead")
	return cmd
}

func newListenCmd(o *options) *cobra.Command {
	var (
		duration time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print frames received on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo := *o
			// The listen window may outlast the per-operation timeout.
			lo.timeout = o.timeout + duration
			return withRig(cmd.Context(), &lo, true, func(ctx context.Context, r *rig) error {
				deadline := time.Now().Add(duration)
				seen := 0
				for ctx.Err() == nil && time.Now().Before(deadline) {
					for _, fr := range r.m.Receive(min(100*time.Millisecond, time.Until(deadline))) {
						if err := printFrame(cmd.OutOrStdout(), o, fr); err != nil {
							return err
						}
						seen++
						if count > 0 && seen >= count {
							return nil
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to listen")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many frames (0 = no limit)")
	return cmd
}

func printFrame(w io.Writer, o *options, fr txrx.ReceivedFrame) error {
	h := j1939.Decode(fr.ID)
	if o.json {
		return writeJSON(w, map[string]any{
			"id":     fmt.Sprintf("0x%08X", fr.ID),
			"pgn":    fmt.Sprintf("0x%04X", h.PGN),
			"source": h.Source,
			"name":   j1939.Describe(h.PGN),
			"data":   fmt.Sprintf("% X", fr.Payload()),
		})
	}
	_, err := fmt.Fprintf(w, "0x%08X  [%d] % X  %s src=0x%02X\n", fr.ID, fr.Len, fr.Payload(), j1939.Describe(h.PGN), h.Source)
	return err
}
