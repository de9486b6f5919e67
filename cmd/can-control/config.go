package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
)

const envPrefix = "CAN_CONTROL_"

type appConfig struct {
	backend    string
	canIf      string
	manageLink bool
	serialDev  string
	baud       int
	bitrate    uint
	txPin      int
	rxPin      int
	loopback   bool
	txTimeout  time.Duration

	i2cEnable        bool
	watchdogInterval time.Duration
	gpioChip         string

	listenAddr      string
	monitorReadOnly bool
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	hubBuffer       int
	hubPolicy       string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	fs := flag.CommandLine
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial|loopback")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.BoolVar(&cfg.manageLink, "manage-link", false, "Configure bitrate and bring the SocketCAN link up/down over netlink (needs CAP_NET_ADMIN)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial adapter device (when --backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 2000000, "Serial adapter baud rate")
	fs.UintVar(&cfg.bitrate, "bitrate", canbus.DefaultBitrate, "CAN bitrate: 125000|250000|500000|1000000")
	fs.IntVar(&cfg.txPin, "tx-pin", canbus.DefaultTxPin, "CAN TX pin")
	fs.IntVar(&cfg.rxPin, "rx-pin", canbus.DefaultRxPin, "CAN RX pin (also sampled for idle diagnostics)")
	fs.BoolVar(&cfg.loopback, "loopback", false, "Self-test loopback; keeps the transceiver off the bus")
	fs.DurationVar(&cfg.txTimeout, "tx-timeout", 50*time.Millisecond, "Per-frame transmit queue timeout")
	fs.BoolVar(&cfg.i2cEnable, "i2c-enable", true, "Drive the CH422G gate expander over I2C (false uses an in-memory register)")
	fs.DurationVar(&cfg.watchdogInterval, "gate-watchdog", gate.DefaultWatchdogInterval, "Gate register reassert interval (0 disables)")
	fs.StringVar(&cfg.gpioChip, "gpio-chip", "", "GPIO chip for RX idle sampling (e.g. gpiochip0); empty disables")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "Monitor TCP listen address; empty disables")
	fs.BoolVar(&cfg.monitorReadOnly, "monitor-read-only", false, "Ignore frames sent by monitor clients")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous monitor clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Monitor client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "HTTP address for /metrics, /ready and /api (e.g. :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the monitor over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-control-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Flags given on the command line win over the environment.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// busConfig is the lifecycle configuration handed to Begin.
func (c *appConfig) busConfig() canbus.Config {
	bc := canbus.Config{
		TxPin:    c.txPin,
		RxPin:    c.rxPin,
		Bitrate:  uint32(c.bitrate),
		Loopback: c.loopback,
	}
	switch c.backend {
	case "socketcan":
		bc.Interface = c.canIf
	case "serial":
		bc.Interface = c.serialDev
	}
	return bc
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "serial", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.backend == "serial" && c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.backend == "socketcan" && c.canIf == "" {
		return errors.New("can-if must be set for the socketcan backend")
	}
	if c.txTimeout <= 0 {
		return errors.New("tx-timeout must be > 0")
	}
	if c.watchdogInterval < 0 {
		return errors.New("gate-watchdog must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.mdnsEnable && c.listenAddr == "" {
		return errors.New("mdns-enable needs a monitor listen address")
	}
	return c.busConfig().Validate()
}

type envReader struct {
	set      map[string]struct{}
	firstErr error
}

// lookup returns the environment value for flag name unless the flag was
// given explicitly.
func (e *envReader) lookup(name string) (string, bool) {
	if _, ok := e.set[name]; ok {
		return "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(name string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")), err)
	}
}

func (e *envReader) strVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uintVar(name string, dst *uint) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = uint(n)
	}
}

func (e *envReader) durationVar(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolVar(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			e.fail(name, fmt.Errorf("not a boolean: %q", v))
		}
	}
}

// applyEnvOverrides maps CAN_CONTROL_<FLAG_NAME> variables onto cfg for
// every flag not set on the command line. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envReader{set: set}
	e.strVar("backend", &c.backend)
	e.strVar("can-if", &c.canIf)
	e.boolVar("manage-link", &c.manageLink)
	e.strVar("serial", &c.serialDev)
	e.intVar("baud", &c.baud)
	e.uintVar("bitrate", &c.bitrate)
	e.intVar("tx-pin", &c.txPin)
	e.intVar("rx-pin", &c.rxPin)
	e.boolVar("loopback", &c.loopback)
	e.durationVar("tx-timeout", &c.txTimeout)
	e.boolVar("i2c-enable", &c.i2cEnable)
	e.durationVar("gate-watchdog", &c.watchdogInterval)
	e.strVar("gpio-chip", &c.gpioChip)
	e.strVar("listen", &c.listenAddr)
	e.boolVar("monitor-read-only", &c.monitorReadOnly)
	e.intVar("max-clients", &c.maxClients)
	e.durationVar("handshake-timeout", &c.handshakeTO)
	e.durationVar("client-read-timeout", &c.clientReadTO)
	e.intVar("hub-buffer", &c.hubBuffer)
	e.strVar("hub-policy", &c.hubPolicy)
	e.strVar("log-format", &c.logFormat)
	e.strVar("log-level", &c.logLevel)
	e.strVar("metrics-addr", &c.metricsAddr)
	e.durationVar("log-metrics-interval", &c.logMetricsEvery)
	e.boolVar("mdns-enable", &c.mdnsEnable)
	e.strVar("mdns-name", &c.mdnsName)
	return e.firstErr
}
