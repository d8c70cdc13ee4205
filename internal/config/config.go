// Package config loads and validates the compile/init-time knobs spec §6
// lists: pool sizes, per-FIFO credit/ack-threshold profiles, and AMS
// defaults. Grounded on the teacher's config.go (YAML file plus flag
// overrides) and appserver.go's pflag registration, re-expressed on
// gopkg.in/yaml.v3 + github.com/spf13/pflag.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FifoProfile is one FIFO's credit/ack-threshold pair (spec §6's three
// named profiles: MCM 21/8, conventional 5/4, tiny 3/2).
type FifoProfile struct {
	Credits        int `yaml:"credits"`
	AckThreshold   int `yaml:"ack_threshold"`
}

// MCMProfile, ConventionalProfile and TinyProfile are spec §6's named
// defaults, in the order the fifogroup wires its three FIFOs.
func MCMProfile() FifoProfile          { return FifoProfile{Credits: 21, AckThreshold: 8} }
func ConventionalProfile() FifoProfile { return FifoProfile{Credits: 5, AckThreshold: 4} }
func TinyProfile() FifoProfile         { return FifoProfile{Credits: 3, AckThreshold: 2} }

// Config is every spec §6 knob, plus the LLD endpoint selection
// cmd/inicstackd needs to pick a driver.
type Config struct {
	PoolSizeRx int `yaml:"pool_size_rx"`

	NumTxMsgs int `yaml:"num_tx_msgs"`
	NumRxMsgs int `yaml:"num_rx_msgs"`
	SizeTxMsg int `yaml:"size_tx_msg"`
	SizeRxMsg int `yaml:"size_rx_msg"`

	MCMFifo          FifoProfile `yaml:"mcm_fifo"`
	ConventionalFifo FifoProfile `yaml:"conventional_fifo"`
	TinyFifo         FifoProfile `yaml:"tiny_fifo"`

	AMSDefaultLLRBC   int `yaml:"ams_default_llrbc"`
	AMSDefaultRxSize  int `yaml:"ams_default_rx_size"`

	SerialPort string `yaml:"serial_port"`
	CapturePath string `yaml:"capture_path"`
}

// Default returns every knob at its spec §6 default.
func Default() Config {
	return Config{
		PoolSizeRx:       35,
		NumTxMsgs:        20,
		NumRxMsgs:        20,
		SizeTxMsg:        45,
		SizeRxMsg:        45,
		MCMFifo:          MCMProfile(),
		ConventionalFifo: ConventionalProfile(),
		TinyFifo:         TinyProfile(),
		AMSDefaultLLRBC:  10,
		AMSDefaultRxSize: 400,
	}
}

// Load reads a YAML config file from path, falling back to Default for
// any field the file omits, then validates the result. A field the file
// sets explicitly, including to 0, overrides the default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	overlay := Default()
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg = overlay
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BindFlags registers pflag overrides for the knobs an operator tunes
// most often, mirroring the teacher's appserver.go flag set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.PoolSizeRx, "pool-size-rx", c.PoolSizeRx, "Rx buffer pool size (10..65535)")
	fs.IntVar(&c.NumTxMsgs, "num-tx-msgs", c.NumTxMsgs, "Tx CMessage pool size (5..255)")
	fs.IntVar(&c.NumRxMsgs, "num-rx-msgs", c.NumRxMsgs, "Rx CMessage pool size (5..255)")
	fs.IntVar(&c.SizeTxMsg, "size-tx-msg", c.SizeTxMsg, "Tx payload buffer size (45..65535)")
	fs.IntVar(&c.SizeRxMsg, "size-rx-msg", c.SizeRxMsg, "Rx payload buffer size (45..65535)")
	fs.IntVar(&c.AMSDefaultLLRBC, "ams-default-llrbc", c.AMSDefaultLLRBC, "default AMS low-level retry block count (0..100)")
	fs.StringVar(&c.SerialPort, "serial-port", c.SerialPort, "reference LLD serial device path")
	fs.StringVar(&c.CapturePath, "capture-path", c.CapturePath, "strftime-pattern PM capture file path")
}

// Validate checks every range spec §6 states, returning the first
// violation found.
func (c Config) Validate() error {
	check := func(name string, v, lo, hi int) error {
		if v < lo || v > hi {
			return fmt.Errorf("config: %s=%d out of range [%d..%d]", name, v, lo, hi)
		}
		return nil
	}
	for _, e := range []error{
		check("pool_size_rx", c.PoolSizeRx, 10, 65535),
		check("num_tx_msgs", c.NumTxMsgs, 5, 255),
		check("num_rx_msgs", c.NumRxMsgs, 5, 255),
		check("size_tx_msg", c.SizeTxMsg, 45, 65535),
		check("size_rx_msg", c.SizeRxMsg, 45, 65535),
		check("ams_default_llrbc", c.AMSDefaultLLRBC, 0, 100),
	} {
		if e != nil {
			return e
		}
	}
	return nil
}
