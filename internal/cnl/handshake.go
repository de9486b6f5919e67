package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is the greeting both peers send before any frame.
const Hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake exchanges greetings concurrently so neither side has to go
// first. The connection deadline is cleared on return.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(Hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != Hello {
			err = ErrBadHello
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
