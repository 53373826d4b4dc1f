// Package config loads the sysctl-style tunables spec.md §6 lists
// (checkpoint period, checksum toggle, amortization chunk, ring size,
// device path) with Viper, the way the teacher's internal/device.LoadDMGConfig
// loads DMG handling options.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rcslab/aurora-sub001/internal/mount"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// Sysctls holds every tunable spec.md §6 names, in the units a human writes
// them in a config file or environment variable (durations as strings,
// everything else as plain scalars) before being converted to mount.Config.
type Sysctls struct {
	DevicePath        string `mapstructure:"device_path"`
	DeviceBlocks      uint64 `mapstructure:"device_blocks"`
	RingSize          uint32 `mapstructure:"ring_size"`
	CheckpointTime    string `mapstructure:"checkpointtime"`
	ChecksumEnabled   bool   `mapstructure:"checksum_enabled"`
	CountOpenedBytes  bool   `mapstructure:"count_opened_bytes"`
	AmortizationChunk uint64 `mapstructure:"amortization_chunk"`
}

// Load reads sysctls from ./slos-config.{yaml,...}, /etc/slos, $HOME/.slos,
// or the SLOS_* environment, falling back to spec.md §6's defaults for
// anything unset.
func Load() (Sysctls, error) {
	viper.SetConfigName("slos-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.slos")
	viper.AddConfigPath("/etc/slos")

	viper.SetDefault("device_path", "slos.img")
	viper.SetDefault("device_blocks", uint64(1<<20))
	viper.SetDefault("ring_size", types.RingSize)
	viper.SetDefault("checkpointtime", "100ms")
	viper.SetDefault("checksum_enabled", false)
	viper.SetDefault("count_opened_bytes", false)
	viper.SetDefault("amortization_chunk", uint64(1024))

	viper.SetEnvPrefix("SLOS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Sysctls{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var s Sysctls
	if err := viper.Unmarshal(&s); err != nil {
		return Sysctls{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}

// MountConfig converts loaded sysctls into the mount.Config Mount expects,
// resolving CheckpointTime's duration string per spec.md §6's
// "checkpointtime" sysctl.
func (s Sysctls) MountConfig() (mount.Config, error) {
	period, err := time.ParseDuration(s.CheckpointTime)
	if err != nil {
		return mount.Config{}, fmt.Errorf("config: checkpointtime %q: %w", s.CheckpointTime, err)
	}
	return mount.Config{
		DevicePath:        s.DevicePath,
		DeviceBlocks:      s.DeviceBlocks,
		RingSize:          s.RingSize,
		CheckpointPeriod:  period,
		AmortizationChunk: s.AmortizationChunk,
		ChecksumEnabled:   s.ChecksumEnabled,
		CountOpenedBytes:  s.CountOpenedBytes,
	}, nil
}
