package diag

// Snapshot is the structured hardware status. It is rebuilt on every
// request and degrades field by field: an unreachable part leaves its zero
// value and, where relevant, Diagnosis reports DiagUnavailable.
type Snapshot struct {
	Ready              bool      `json:"ready"`
	State              string    `json:"state"`
	BusState           string    `json:"bus_state"`
	Interface          string    `json:"interface,omitempty"`
	TxPin              int       `json:"tx_pin"`
	RxPin              int       `json:"rx_pin"`
	Bitrate            uint32    `json:"bitrate"`
	Loopback           bool      `json:"loopback"`
	TransceiverEnabled bool      `json:"transceiver_enabled"`
	GateRegister       *uint8    `json:"gate_register,omitempty"`
	RxPinOnes          int       `json:"rx_pin_ones"`
	Samples            int       `json:"samples"`
	Diagnosis          Diagnosis `json:"diagnosis"`
	TxErrors           uint32    `json:"tx_errors"`
	RxErrors           uint32    `json:"rx_errors"`
	LastError          string    `json:"last_error,omitempty"`
}
