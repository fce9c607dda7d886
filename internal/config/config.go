package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/tlmbox/internal/serialmux"
	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
	"github.com/banshee-data/tlmbox/internal/tlmbox/shm"
)

// DefaultConfigPath is the path to the canonical daemon defaults file.
const DefaultConfigPath = "config/tlmbox.defaults.json"

// Defaults used when a field is absent from the config file.
const (
	DefaultPoolSlots   = 16
	DefaultSlotSize    = 272 // header + largest event, word aligned
	DefaultDBPath      = "tlmbox.db"
	DefaultListen      = "localhost:8090"
	DefaultReplaySpeed = 1.0

	// maxSlotSize keeps a single slot addressable by an ACL data length.
	maxSlotSize = layout.PacketHeaderSize + layout.AclDataOverhead + layout.MaxAclData
)

// Config is the daemon configuration. Every field is optional; the Get*
// accessors supply defaults for anything the file leaves out.
type Config struct {
	// Shared memory
	PoolSlots  *int    `json:"pool_slots,omitempty"`
	SlotSize   *int    `json:"slot_size,omitempty"`
	RegionPath *string `json:"region_path,omitempty"` // empty: in-process heap region

	// Packet source
	SerialPort  *string       `json:"serial_port,omitempty"`
	Serial      *SerialConfig `json:"serial,omitempty"`
	ReplaySpeed *float64      `json:"replay_speed,omitempty"`

	// Outputs
	CapturePath *string `json:"capture_path,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
	Listen      *string `json:"listen,omitempty"`

	Debug *bool `json:"debug,omitempty"`
}

// SerialConfig is the serial section of the config file.
type SerialConfig struct {
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`
}

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file fall back to their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
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

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.PoolSlots != nil && *c.PoolSlots <= 0 {
		return fmt.Errorf("pool_slots must be positive, got %d", *c.PoolSlots)
	}
	if c.SlotSize != nil {
		if *c.SlotSize < layout.EvtPacketSize || *c.SlotSize > maxSlotSize {
			return fmt.Errorf("slot_size must be between %d and %d, got %d",
				layout.EvtPacketSize, maxSlotSize, *c.SlotSize)
		}
	}
	if c.ReplaySpeed != nil && *c.ReplaySpeed < 0 {
		return fmt.Errorf("replay_speed must be non-negative, got %f", *c.ReplaySpeed)
	}
	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	return nil
}

// GetPoolSlots returns the number of buffer slots in the shared region.
func (c *Config) GetPoolSlots() int {
	if c.PoolSlots == nil {
		return DefaultPoolSlots
	}
	return *c.PoolSlots
}

// GetSlotSize returns the size of one buffer slot.
func (c *Config) GetSlotSize() int {
	if c.SlotSize == nil {
		return DefaultSlotSize
	}
	return *c.SlotSize
}

// RegionSize is the number of bytes the shared region needs for the
// configured pool, after slot alignment.
func (c *Config) RegionSize() int {
	return shm.RegionSize(c.GetPoolSlots(), c.GetSlotSize())
}

func (c *Config) GetRegionPath() string {
	if c.RegionPath == nil {
		return ""
	}
	return *c.RegionPath
}

func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetPortOptions converts the serial section into port options. Unset fields
// stay zero so PortOptions.Normalize can default them.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial == nil {
		return opts
	}
	if c.Serial.BaudRate != nil {
		opts.BaudRate = *c.Serial.BaudRate
	}
	if c.Serial.DataBits != nil {
		opts.DataBits = *c.Serial.DataBits
	}
	if c.Serial.StopBits != nil {
		opts.StopBits = *c.Serial.StopBits
	}
	if c.Serial.Parity != nil {
		opts.Parity = *c.Serial.Parity
	}
	return opts
}

// GetReplaySpeed returns the replay speed multiplier. Zero replays without
// pacing.
func (c *Config) GetReplaySpeed() float64 {
	if c.ReplaySpeed == nil {
		return DefaultReplaySpeed
	}
	return *c.ReplaySpeed
}

func (c *Config) GetCapturePath() string {
	if c.CapturePath == nil {
		return ""
	}
	return *c.CapturePath
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

func (c *Config) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}
