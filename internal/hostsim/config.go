package hostsim

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sabarioded/stm32-cli-os/internal/kernel/config"
)

// Config is hostsim's view of the kernel's build knobs (config.Config)
// plus the handful of host-only settings a real linker script would
// otherwise fix: the heap pool's total size and the process's log
// level. Bound from flags/env via viper.
type Config struct {
	Kernel       config.Config
	HeapPoolSize int
	LogLevel     string
}

// DefaultConfig returns the kernel's config.Default() plus a 256KiB
// heap pool and info-level logging.
func DefaultConfig() Config {
	return Config{
		Kernel:       config.Default(),
		HeapPoolSize: 256 * 1024,
		LogLevel:     "info",
	}
}

// BindFlags registers this config's fields onto fs, for cmd/hostsim
// to wire into cobra commands.
func BindFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.Int("max-tasks", def.Kernel.MaxTasks, "task table capacity")
	fs.String("stack-mode", def.Kernel.StackAllocMode.String(), "task stack allocation mode: Static or Dynamic")
	fs.Int("min-stack-bytes", def.Kernel.MinStackBytes, "minimum per-task stack size in bytes")
	fs.Int("max-stack-bytes", def.Kernel.MaxStackBytes, "maximum per-task stack size in bytes")
	fs.Uint32("systick-hz", def.Kernel.SystickFreqHz, "tick source frequency in Hz")
	fs.Uint64("gc-interval-ticks", def.Kernel.GCIntervalTicks, "idle task compaction interval, in ticks")
	fs.Int("rx-ring-size", def.Kernel.RXRingSize, "UART RX ring capacity in bytes")
	fs.Int("tx-ring-size", def.Kernel.TXRingSize, "UART TX ring capacity in bytes")
	fs.Int("heap-pool-size", def.HeapPoolSize, "heap pool size in bytes (dynamic stack mode only)")
	fs.String("log-level", def.LogLevel, "zerolog level: debug, info, warn, error")
}

// LoadConfig reads bound flags (and STM32CLIOS_-prefixed environment
// overrides) into a Config via viper.
func LoadConfig(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STM32CLIOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Kernel.MaxTasks = v.GetInt("max-tasks")
	cfg.Kernel.MinStackBytes = v.GetInt("min-stack-bytes")
	cfg.Kernel.MaxStackBytes = v.GetInt("max-stack-bytes")
	cfg.Kernel.SystickFreqHz = uint32(v.GetInt("systick-hz"))
	cfg.Kernel.GCIntervalTicks = uint64(v.GetInt64("gc-interval-ticks"))
	cfg.Kernel.RXRingSize = v.GetInt("rx-ring-size")
	cfg.Kernel.TXRingSize = v.GetInt("tx-ring-size")
	cfg.HeapPoolSize = v.GetInt("heap-pool-size")
	cfg.LogLevel = v.GetString("log-level")

	if strings.EqualFold(v.GetString("stack-mode"), "static") {
		cfg.Kernel.StackAllocMode = config.StaticStacks
	} else {
		cfg.Kernel.StackAllocMode = config.DynamicStacks
	}
	return cfg, nil
}
