package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/hub"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
)

// startWriter batches hub frames for one client and flushes them on size
// or on the flush tick.
func (s *Server) startWriter(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected", "dropped", cl.Dropped())
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_, err := s.codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctx.Done():
				_ = flush()
				return
			}
		}
	}()
}
