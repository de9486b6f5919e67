package j1939

import "fmt"

// Device catalog for the integrated output modules. Builders return enabled,
// 8-byte frames addressed to the broadcast destination.
const (
	DefaultSource uint8 = 0x63

	PGNPowercellConfig uint32 = 0xFF40
	PGNPowercellOutput uint32 = 0xFF50
	PGNInmotion        uint32 = 0xFEF9
	PGNKeypad          uint32 = 0xFEFA

	// PowercellMaxAddress is the highest cell address; it shares the base PGN.
	PowercellMaxAddress = 16
	// PowercellOutputs is the number of output slots addressable in one frame.
	PowercellOutputs = 8

	powercellPriority = 6
	inmotionPriority  = 3
	keypadPriority    = 6

	powercellConfigCmd = 0x99
	powercellPollCmd   = 0x11
	keypadBacklightCmd = 0x01
	keypadLEDCmd       = 0x02

	// DefaultPowercellConfig selects 250 kb/s, 10 s loss-of-comms, 250 ms
	// reporting and 200 Hz PWM.
	DefaultPowercellConfig uint8 = 0x01

	// InmotionCenter is the neutral motor position.
	InmotionCenter uint8 = 127
)

// Output states understood by POWERCELL and KEYPAD modules.
const (
	StateOff uint8 = 0x00
	StateOn  uint8 = 0xFF
)

// PowercellPGN maps a cell address (1..16) onto its PGN within base's block.
// Address 16 wraps to the block base.
func PowercellPGN(cell uint8, base uint32) uint32 {
	if cell == PowercellMaxAddress {
		return base
	}
	return base + uint32(cell&0x0F)
}

func catalogFrame(pgn uint32, priority uint8, data ...byte) FrameRequest {
	r := FrameRequest{
		Enabled:     true,
		PGN:         pgn,
		Priority:    priority,
		Source:      DefaultSource,
		Destination: Broadcast,
		Length:      8,
	}
	copy(r.Data[:], data)
	return r
}

// PowercellConfig builds the configuration frame for a cell.
func PowercellConfig(cell, config uint8) FrameRequest {
	return catalogFrame(PowercellPGN(cell, PGNPowercellConfig), powercellPriority, powercellConfigCmd, config)
}

// PowercellOutput sets one output (1..8) of a cell to state. Out of range
// outputs produce an all-zero payload.
func PowercellOutput(cell, output, state uint8) FrameRequest {
	r := catalogFrame(PowercellPGN(cell, PGNPowercellOutput), powercellPriority)
	if output >= 1 && output <= PowercellOutputs {
		r.Data[output-1] = state
	}
	return r
}

// PowercellPoll requests a status report from a cell.
func PowercellPoll(cell uint8) FrameRequest {
	return catalogFrame(PowercellPGN(cell, PGNPowercellOutput), powercellPriority, powercellPollCmd)
}

// InmotionControl drives a motor to position at speed.
func InmotionControl(motor, position, speed uint8) FrameRequest {
	return catalogFrame(PGNInmotion, inmotionPriority, motor, position, speed)
}

// InmotionStop centers the motor at zero speed.
func InmotionStop(motor uint8) FrameRequest {
	return InmotionControl(motor, InmotionCenter, 0)
}

// KeypadBacklight sets keypad backlight brightness.
func KeypadBacklight(brightness uint8) FrameRequest {
	return catalogFrame(PGNKeypad, keypadPriority, keypadBacklightCmd, brightness)
}

// KeypadLED sets one keypad LED; rgb is 0xRRGGBB.
func KeypadLED(led, state uint8, rgb uint32) FrameRequest {
	return catalogFrame(PGNKeypad, keypadPriority, keypadLEDCmd, led, state,
		byte(rgb>>16), byte(rgb>>8), byte(rgb))
}

// Describe labels catalog PGNs for logs; unknown PGNs render as hex.
func Describe(pgn uint32) string {
	switch {
	case pgn == PGNInmotion:
		return "inmotion"
	case pgn == PGNKeypad:
		return "keypad"
	case pgn&^0x0F == PGNPowercellConfig:
		return fmt.Sprintf("powercell_config[%d]", cellOf(pgn))
	case pgn&^0x0F == PGNPowercellOutput:
		return fmt.Sprintf("powercell[%d]", cellOf(pgn))
	default:
		return fmt.Sprintf("pgn_0x%05X", pgn)
	}
}

func cellOf(pgn uint32) int {
	if c := int(pgn & 0x0F); c != 0 {
		return c
	}
	return PowercellMaxAddress
}
