//go:build !linux

package socketcan

import (
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/can"
	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

// Option configures a Controller.
type Option func(*Controller)

func WithLinkManagement(bool) Option { return func(*Controller) {} }

// Controller is unavailable off linux; every call fails with
// driver.ErrUnsupported.
type Controller struct{}

var _ driver.Controller = (*Controller)(nil)

func New(string, ...Option) *Controller { return &Controller{} }

func (*Controller) Install(driver.Config) error             { return driver.ErrUnsupported }
func (*Controller) Start() error                            { return driver.ErrUnsupported }
func (*Controller) Stop() error                             { return nil }
func (*Controller) Uninstall() error                        { return nil }
func (*Controller) Transmit(can.Frame, time.Duration) error { return driver.ErrUnsupported }
func (*Controller) Status() (driver.Status, error)          { return driver.Status{}, driver.ErrUnsupported }
func (*Controller) Receive(time.Duration) (can.Frame, bool, error) {
	return can.Frame{}, false, driver.ErrUnsupported
}
