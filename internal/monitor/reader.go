package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
	"github.com/kstaniek/go-vehicle-can/internal/hub"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

// startReader decodes client frames and injects them onto the bus.
func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Closing the client stops the writer, which unregisters it.
		defer cl.Close()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, decodeBurst, func(fr can.Frame) {
				metrics.IncTCPRx()
				s.inject(ctx, fr, logger)
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

func (s *Server) inject(ctx context.Context, fr can.Frame, logger *slog.Logger) {
	if s.readOnly || s.sink == nil {
		s.totalInjectDropped.Add(1)
		return
	}
	if s.frameFilter != nil && !s.frameFilter(fr) {
		s.totalInjectDropped.Add(1)
		return
	}
	ictx, cancel := context.WithTimeout(ctx, s.injectTimeout)
	defer cancel()
	err := s.sink.SendRaw(ictx, fr)
	switch {
	case err == nil:
		s.totalInjected.Add(1)
	case errors.Is(err, driver.ErrTxQueueFull), errors.Is(err, canbus.ErrNotReady):
		s.totalInjectDropped.Add(1)
		logger.Debug("inject_dropped", "can_id", fmt.Sprintf("0x%08X", fr.ID()), "error", err)
	default:
		s.totalInjectDropped.Add(1)
		wrap := fmt.Errorf("%w: %v", ErrInject, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		logger.Error("inject_failed", "can_id", fmt.Sprintf("0x%08X", fr.ID()), "error", err)
	}
}
