package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/cnl"
	"github.com/kstaniek/go-vehicle-can/internal/framespec"
	"github.com/kstaniek/go-vehicle-can/internal/j1939"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

// newMonitorCmd follows a running can-control over its cannelloni feed.
// It does not touch local hardware.
func newMonitorCmd(o *options) *cobra.Command {
	var (
		addr     string
		send     []string
		duration time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow a can-control monitor feed and optionally inject frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []can.Frame
			for _, s := range send {
				r, err := framespec.Parse(s)
				if err != nil {
					return fmt.Errorf("--send %q: %w", s, err)
				}
				fr, err := j1939.Frame(r)
				if err != nil {
					return err
				}
				out = append(out, fr)
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			var d net.Dialer
			dctx, dcancel := context.WithTimeout(ctx, o.timeout)
			conn, err := d.DialContext(dctx, "tcp", addr)
			dcancel()
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()
			if err := cnl.Handshake(ctx, conn, o.timeout); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			// Unblock the decoder when the window closes.
			stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
			defer stop()

			var codec cnl.Codec
			if len(out) > 0 {
				if _, err := codec.EncodeTo(conn, out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "injected %d frame(s)\n", len(out))
			}
			if len(out) > 0 && count == 0 && duration == 0 {
				return nil
			}
			seen := 0
			for count <= 0 || seen < count {
				fr, err := codec.Decode(conn)
				if err != nil {
					if errors.Is(err, io.EOF) || (errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil) {
						return nil
					}
					return err
				}
				rf := txrx.ReceivedFrame{ID: fr.ID(), Data: fr.Data, Len: fr.Len, ReceivedAt: time.Now()}
				if err := printFrame(cmd.OutOrStdout(), o, rf); err != nil {
					return err
				}
				seen++
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:20000", "can-control monitor address")
	f.StringArrayVar(&send, "send", nil, "inject a frame (framespec syntax); repeatable")
	f.DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	f.IntVar(&count, "count", 0, "stop after this many frames (0 = no limit)")
	return cmd
}
