package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zonefs-org/go-zonefs/util"
	"gopkg.in/yaml.v3"
)

// Config represents the zonefs configuration including tunable performance options
type Config struct {
	// Device settings
	DevicePath string        `yaml:"device_path" json:"device.path"`
	ReadOnly   bool          `yaml:"read_only" json:"read.only"`
	Simulated  bool          `yaml:"simulated" json:"simulated"`
	Force      bool          `yaml:"-" json:"-"`
	LogLevel   util.LogLevel `yaml:"log_level" json:"log_level"`

	// Allocation and recycling
	FinishThresholdPct int `yaml:"finish_threshold_pct" json:"finish.threshold.pct"`
	ZoneSyncTimeoutMS  int `yaml:"zone_sync_timeout_ms" json:"zone.sync.timeout.ms"`

	// Write path
	WriteBufferBlocks int `yaml:"write_buffer_blocks" json:"write.buffer.blocks"`

	// Garbage collection
	GCIntervalSec  int `yaml:"gc_interval_sec" json:"gc.interval.sec"`
	GCDestZones    int `yaml:"gc_dest_zones" json:"gc.dest.zones"`

	// Metrics
	EnableExporter bool `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int  `yaml:"exporter_port" json:"exporter.port"`

	// Simulation geometry, used when Simulated is set
	SimZones     int    `yaml:"sim_zones" json:"sim.zones"`
	SimZoneSize  uint64 `yaml:"sim_zone_size" json:"sim.zone.size"`
	SimBlockSize uint32 `yaml:"sim_block_size" json:"sim.block.size"`
}

func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("zonefs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	devicePath := fs.String("zbd", "", "Path to a zoned block device")
	readOnly := fs.Bool("readonly", false, "Open the device read-only")
	simulated := fs.Bool("sim", false, "Run against an in-memory simulated device")
	force := fs.Bool("force", false, "Force file system creation")
	logLevelStr := fs.String("log-level", "", "Log Level (debug, info, warn, error)")
	finishThreshold := fs.Int("finish-threshold", 20, "Finish used zones if less than x% capacity left")
	syncTimeout := fs.Int("sync-timeout", 1000, "Zone async write completion timeout in milliseconds")
	bufferBlocks := fs.Int("buffer-blocks", 256, "Writable file bounce buffer size in blocks")
	gcInterval := fs.Int("gc-interval", 0, "Garbage collection interval in seconds (0 disables)")
	gcDestZones := fs.Int("gc-dest-zones", 2, "Destination zones handed to each GC pass")
	exporter := fs.Bool("exporter", false, "Enable Prometheus exporter")
	exporterPort := fs.Int("exporter-port", 9100, "Exporter port")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// The yaml decoder only touches keys present in the file.
	cfg.LogLevel = util.LogLevelInfo

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", *configPath, err)
		}
	}

	// Flags override the file
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if cfg.DevicePath == "" || *devicePath != "" {
		cfg.DevicePath = *devicePath
	}
	if *readOnly {
		cfg.ReadOnly = true
	}
	if *simulated {
		cfg.Simulated = true
	}
	if *force {
		cfg.Force = true
	}
	if cfg.FinishThresholdPct == 0 || set["finish-threshold"] {
		cfg.FinishThresholdPct = *finishThreshold
	}
	if cfg.ZoneSyncTimeoutMS == 0 || set["sync-timeout"] {
		cfg.ZoneSyncTimeoutMS = *syncTimeout
	}
	if cfg.WriteBufferBlocks == 0 || set["buffer-blocks"] {
		cfg.WriteBufferBlocks = *bufferBlocks
	}
	if cfg.GCIntervalSec == 0 || set["gc-interval"] {
		cfg.GCIntervalSec = *gcInterval
	}
	if cfg.GCDestZones == 0 || set["gc-dest-zones"] {
		cfg.GCDestZones = *gcDestZones
	}
	if *exporter {
		cfg.EnableExporter = true
	}
	if cfg.ExporterPort == 0 || set["exporter-port"] {
		cfg.ExporterPort = *exporterPort
	}
	if *logLevelStr != "" {
		cfg.LogLevel = util.ParseLevel(*logLevelStr)
	}

	if cfg.SimZones == 0 {
		cfg.SimZones = 40
	}
	if cfg.SimZoneSize == 0 {
		cfg.SimZoneSize = 16 * 1024 * 1024
	}
	if cfg.SimBlockSize == 0 {
		cfg.SimBlockSize = 4096
	}

	util.SetLevel(cfg.LogLevel)

	return cfg, nil
}

func (c *Config) ZoneSyncTimeout() time.Duration {
	return time.Duration(c.ZoneSyncTimeoutMS) * time.Millisecond
}

// Default returns a config with the flag defaults applied, for embedding in
// tests and tools that do not parse a command line.
func Default() *Config {
	return &Config{
		FinishThresholdPct: 20,
		ZoneSyncTimeoutMS:  1000,
		WriteBufferBlocks:  256,
		GCDestZones:        2,
		ExporterPort:       9100,
		LogLevel:           util.LogLevelInfo,
		SimZones:           40,
		SimZoneSize:        16 * 1024 * 1024,
		SimBlockSize:       4096,
	}
}
