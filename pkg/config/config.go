package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Profiler   ProfilerConfig
	Dependency DependencyConfig
	Cache      CacheConfig
	Selector   SelectorConfig
	Tuner      TunerConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Enabled bool
	Path    string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type ProfilerConfig struct {
	MaxMetrics  int
	WindowHours int
}

type DependencyConfig struct {
	MinSamples int
}

type CacheConfig struct {
	MaxEntries    int
	DefaultTTLSec int
	// Per-layer TTL overrides in seconds; the most volatile layer wins
	// when a result spans several layers.
	LayerTTLSec map[string]int
}

// SelectorConfig carries the strategy thresholds. These are tuning defaults
// from production experience, not derived quantities, so they stay
// overridable here rather than hard-coded.
type SelectorConfig struct {
	CacheHitThreshold        float64
	CacheSpeedup             float64
	ParallelBenefitThreshold float64
	ComplexityThreshold      float64
	DistributedCostMs        float64
	DistributedBenefit       float64
	DistributedSpeedup       float64
}

type TunerConfig struct {
	AdjustmentInterval int
	MinSamples         int
	HysteresisPct      float64
	Strategy           string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/memory-agent")

	viper.SetEnvPrefix("MEMORY_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c CacheConfig) LayerTTLs() map[string]time.Duration {
	ttls := make(map[string]time.Duration, len(c.LayerTTLSec))
	for layer, sec := range c.LayerTTLSec {
		ttls[layer] = time.Duration(sec) * time.Second
	}
	return ttls
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.enabled", true)
	viper.SetDefault("sqlite.path", "./data/retrieval.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("profiler.maxMetrics", 10000)
	viper.SetDefault("profiler.windowHours", 24)

	viper.SetDefault("dependency.minSamples", 5)

	viper.SetDefault("cache.maxEntries", 1000)
	viper.SetDefault("cache.defaultTTLSec", 300)
	viper.SetDefault("cache.layerTTLSec", map[string]int{
		"episodic":    120,
		"semantic":    600,
		"procedural":  900,
		"association": 300,
	})

	viper.SetDefault("selector.cacheHitThreshold", 0.75)
	viper.SetDefault("selector.cacheSpeedup", 50.0)
	viper.SetDefault("selector.parallelBenefitThreshold", 1.5)
	viper.SetDefault("selector.complexityThreshold", 0.7)
	viper.SetDefault("selector.distributedCostMs", 500.0)
	viper.SetDefault("selector.distributedBenefit", 1.2)
	viper.SetDefault("selector.distributedSpeedup", 6.0)

	viper.SetDefault("tuner.adjustmentInterval", 50)
	viper.SetDefault("tuner.minSamples", 20)
	viper.SetDefault("tuner.hysteresisPct", 0.10)
	viper.SetDefault("tuner.strategy", "balanced")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
