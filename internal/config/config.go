package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/pulse.report/internal/beat"
	"github.com/banshee-data/pulse.report/internal/gateway"
	"github.com/banshee-data/pulse.report/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/pulse.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// Sources selects where the byte stream comes from.
const (
	SourceSerial = "serial"
	SourceMock   = "mock"
	SourceUDP    = "udp"
	SourcePCAP   = "pcap"
	SourceNone   = "none"
)

// Config is the service configuration. Every field is optional; the Get*
// methods supply the default for anything the file leaves out.
type Config struct {
	// Detector
	SampleRate          *int     `json:"sample_rate,omitempty"`
	CalibrationSeconds  *int     `json:"calibration_seconds,omitempty"`
	SlopeSpacing        *int     `json:"slope_spacing,omitempty"`
	MovingAverageWindow *int     `json:"moving_average_window,omitempty"`
	ThresholdFloor      *float64 `json:"threshold_floor,omitempty"`

	// Source
	Source     *string `json:"source,omitempty"`
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`
	UDPAddress *string `json:"udp_address,omitempty"`
	UDPRcvBuf  *int    `json:"udp_rcvbuf,omitempty"`
	PCAPFile   *string `json:"pcap_file,omitempty"`
	PCAPPort   *int    `json:"pcap_port,omitempty"`

	// Mock gateway
	MockBPM      *float64 `json:"mock_bpm,omitempty"`
	MockNoiseMV  *float64 `json:"mock_noise_mv,omitempty"`
	MockInterval *string  `json:"mock_interval,omitempty"` // duration string like "40ms"

	// Outputs
	DBPath           *string `json:"db_path,omitempty"`
	DBBatchPackets   *int    `json:"db_batch_packets,omitempty"`
	CSVDir           *string `json:"csv_dir,omitempty"`
	CSVWriteInterval *string `json:"csv_write_interval,omitempty"`
	CaptureFile      *string `json:"capture_file,omitempty"`

	// Service
	Listen        *string `json:"listen,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"`
	RecentBeats   *int    `json:"recent_beats,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig reads and validates a JSON config file. Fields omitted from the
// file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// one of its parents. It panics on failure and is meant for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field. The detector and serial settings are
// validated by the packages that own them.
func (c *Config) Validate() error {
	var errs []error

	if err := c.BeatConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		errs = append(errs, err)
	}

	switch src := c.GetSource(); src {
	case SourceSerial, SourceMock, SourceUDP, SourceNone:
	case SourcePCAP:
		if c.GetPCAPFile() == "" {
			errs = append(errs, errors.New("source pcap needs pcap_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", src))
	}

	for name, v := range map[string]*string{
		"mock_interval":      c.MockInterval,
		"csv_write_interval": c.CSVWriteInterval,
		"stats_interval":     c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *v, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, *v))
		}
	}

	if c.MockBPM != nil && (*c.MockBPM <= 0 || *c.MockBPM > 300) {
		errs = append(errs, fmt.Errorf("mock_bpm must be in (0, 300], got %g", *c.MockBPM))
	}
	if c.MockNoiseMV != nil && *c.MockNoiseMV < 0 {
		errs = append(errs, fmt.Errorf("mock_noise_mv must be non-negative, got %g", *c.MockNoiseMV))
	}
	if c.PCAPPort != nil && (*c.PCAPPort <= 0 || *c.PCAPPort > 65535) {
		errs = append(errs, fmt.Errorf("pcap_port out of range: %d", *c.PCAPPort))
	}
	if c.DBBatchPackets != nil && *c.DBBatchPackets < 0 {
		errs = append(errs, fmt.Errorf("db_batch_packets must be non-negative, got %d", *c.DBBatchPackets))
	}
	if c.RecentBeats != nil && *c.RecentBeats < 0 {
		errs = append(errs, fmt.Errorf("recent_beats must be non-negative, got %d", *c.RecentBeats))
	}
	return errors.Join(errs...)
}

// BeatConfig assembles the detector configuration.
func (c *Config) BeatConfig() beat.Config {
	d := beat.DefaultConfig()
	if c.SampleRate != nil {
		d.SampleRate = *c.SampleRate
	}
	if c.CalibrationSeconds != nil {
		d.CalibrationSeconds = *c.CalibrationSeconds
	}
	if c.SlopeSpacing != nil {
		d.SlopeSpacing = *c.SlopeSpacing
	}
	if c.MovingAverageWindow != nil {
		d.MovingAverageWindow = *c.MovingAverageWindow
	}
	if c.ThresholdFloor != nil {
		d.ThresholdFloor = *c.ThresholdFloor
	}
	return d
}

// PortOptions assembles the serial options. Unset fields are filled in by
// PortOptions.Normalise.
func (c *Config) PortOptions() serialmux.PortOptions {
	o := serialmux.DefaultPortOptions()
	if c.BaudRate != nil {
		o.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		o.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		o.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		o.Parity = *c.Parity
	}
	return o
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSource returns the stream source or "serial".
func (c *Config) GetSource() string { return stringOr(c.Source, SourceSerial) }

// GetSerialPort returns the device path.
func (c *Config) GetSerialPort() string { return stringOr(c.SerialPort, "/dev/ttyUSB0") }

// GetUDPAddress returns the UDP bind address.
func (c *Config) GetUDPAddress() string {
	return stringOr(c.UDPAddress, fmt.Sprintf(":%d", gateway.DefaultUDPPort))
}

func (c *Config) GetUDPRcvBuf() int { return intOr(c.UDPRcvBuf, 0) }

func (c *Config) GetPCAPFile() string { return stringOr(c.PCAPFile, "") }

// GetPCAPPort returns the UDP destination port replayed from captures.
func (c *Config) GetPCAPPort() int { return intOr(c.PCAPPort, gateway.DefaultUDPPort) }

// GetMockBPM returns the simulated heart rate.
func (c *Config) GetMockBPM() float64 {
	if c.MockBPM == nil {
		return 72
	}
	return *c.MockBPM
}

// GetMockNoiseMV returns the simulated noise amplitude in millivolts.
func (c *Config) GetMockNoiseMV() float64 {
	if c.MockNoiseMV == nil {
		return 0.02
	}
	return *c.MockNoiseMV
}

// GetMockInterval returns the simulated packet interval.
func (c *Config) GetMockInterval() time.Duration {
	return durationOr(c.MockInterval, 40*time.Millisecond)
}

// GetDBPath returns the SQLite file, or "" to disable persistence.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, "pulse.db") }

// GetDBBatchPackets returns the number of packets per sample insert batch.
func (c *Config) GetDBBatchPackets() int { return intOr(c.DBBatchPackets, 50) }

// GetCSVDir returns the directory for CSV runs, or "" to disable them.
func (c *Config) GetCSVDir() string { return stringOr(c.CSVDir, "") }

// GetCSVWriteInterval returns the CSV batch cadence.
func (c *Config) GetCSVWriteInterval() time.Duration {
	return durationOr(c.CSVWriteInterval, time.Second)
}

// GetCaptureFile returns the pcap file raw chunks are mirrored to, or "".
func (c *Config) GetCaptureFile() string { return stringOr(c.CaptureFile, "") }

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string { return stringOr(c.Listen, ":8080") }

// GetStatsInterval returns how often stream counters are logged. Zero
// disables the log line.
func (c *Config) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 30*time.Second)
}

// GetRecentBeats returns how many beats the status endpoint keeps.
func (c *Config) GetRecentBeats() int { return intOr(c.RecentBeats, 32) }
