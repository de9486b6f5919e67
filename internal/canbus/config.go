package canbus

import (
	"fmt"

	"github.com/kstaniek/go-vehicle-can/internal/driver"
)

// Board defaults.
const (
	DefaultTxPin   = 20
	DefaultRxPin   = 19
	DefaultBitrate = 250000
	MaxPin         = 48
)

// Bitrates lists the supported bus speeds.
var Bitrates = []uint32{125000, 250000, 500000, 1000000}

// Config is supplied at Begin; changing it requires a full restart.
type Config struct {
	Interface string `json:"interface,omitempty"`
	TxPin     int    `json:"tx_pin"`
	RxPin     int    `json:"rx_pin"`
	Bitrate   uint32 `json:"bitrate"`
	Loopback  bool   `json:"loopback"`
}

func DefaultConfig() Config {
	return Config{TxPin: DefaultTxPin, RxPin: DefaultRxPin, Bitrate: DefaultBitrate}
}

func (c Config) Validate() error {
	ok := false
	for _, b := range Bitrates {
		if c.Bitrate == b {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: bitrate %d not in %v", ErrConfiguration, c.Bitrate, Bitrates)
	}
	if c.TxPin < 0 || c.TxPin > MaxPin {
		return fmt.Errorf("%w: tx pin %d out of range 0..%d", ErrConfiguration, c.TxPin, MaxPin)
	}
	if c.RxPin < 0 || c.RxPin > MaxPin {
		return fmt.Errorf("%w: rx pin %d out of range 0..%d", ErrConfiguration, c.RxPin, MaxPin)
	}
	if c.TxPin == c.RxPin {
		return fmt.Errorf("%w: tx and rx share pin %d", ErrConfiguration, c.TxPin)
	}
	return nil
}

func (c Config) driverConfig() driver.Config {
	return driver.Config{
		Interface:  c.Interface,
		TxPin:      c.TxPin,
		RxPin:      c.RxPin,
		Bitrate:    c.Bitrate,
		Loopback:   c.Loopback,
		TxQueueLen: driver.DefaultTxQueueLen,
		RxQueueLen: driver.DefaultRxQueueLen,
	}
}
