package diag

import (
	"errors"
	"time"
)

// Diagnosis is the operator-facing verdict of an idle-line sample.
type Diagnosis string

const (
	DiagStuckLow        Diagnosis = "rx stuck low: transceiver disabled or bus shorted"
	DiagLikelyFault     Diagnosis = "likely termination/enable fault"
	DiagIdleNominal     Diagnosis = "idle recessive: nominal"
	DiagActivityNominal Diagnosis = "bus activity: nominal"
	DiagUnavailable     Diagnosis = "status unavailable"
)

// Thresholds drive SampleIdle and Classify.
type Thresholds struct {
	Samples    int           `json:"samples"`
	Interval   time.Duration `json:"interval"`
	FaultBelow int           `json:"fault_below"`
}

var DefaultThresholds = Thresholds{Samples: 20, Interval: time.Millisecond, FaultBelow: 6}

var ErrNoSampler = errors.New("diag: no pin sampler")

// Pin is a GPIO line requested as input.
type Pin interface {
	Value() (int, error)
	Close() error
}

// PinSampler opens GPIO lines for reading.
type PinSampler interface {
	OpenInput(pin int) (Pin, error)
}

// sleepFn allows tests to skip sample spacing.
var sleepFn = time.Sleep

// SampleIdle reads pin th.Samples times, th.Interval apart, and counts
// high (recessive) readings. Callers keep transmissions blocked meanwhile.
func SampleIdle(s PinSampler, pin int, th Thresholds) (int, error) {
	if s == nil {
		return 0, ErrNoSampler
	}
	p, err := s.OpenInput(pin)
	if err != nil {
		return 0, err
	}
	defer p.Close()
	ones := 0
	for i := 0; i < th.Samples; i++ {
		if i > 0 {
			sleepFn(th.Interval)
		}
		v, err := p.Value()
		if err != nil {
			return 0, err
		}
		if v != 0 {
			ones++
		}
	}
	return ones, nil
}

// Classify maps a high count onto a diagnosis. A CAN line idles recessive
// (high), so few highs point at wiring, termination or a disabled
// transceiver.
func Classify(ones int, th Thresholds) Diagnosis {
	switch {
	case ones <= 0:
		return DiagStuckLow
	case ones < th.FaultBelow:
		return DiagLikelyFault
	case ones >= th.Samples:
		return DiagIdleNominal
	default:
		return DiagActivityNominal
	}
}
