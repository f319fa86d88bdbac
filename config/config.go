// Package config loads device and host settings from TOML files.
//
// Every setting has a default. A file only overrides the keys it defines, so an empty file and
// no file at all behave the same. Durations are written as Go duration strings ("250ms", "3s").
package config

import (
	"serial-rpc/protocol"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nuclio/errors"
)

const DefaultServiceName = "serial-rpc"

// DeviceConfig drives the device engine binary.
type DeviceConfig struct {
	// Port is the serial device to serve on. When empty the engine listens on Listen instead.
	Port       string
	BaudRate   int
	BufferSize int

	Listen        string
	AdvertiseAddr string
	ServiceName   string
	EtcdEndpoints []string

	MetricsAddr string
	LogLevel    string
	Greeting    string

	RequestTimeout  time.Duration // 0 disables the timeout middleware
	RateLimit       float64       // requests per second, 0 disables the rate limiter
	RateBurst       int
	ShutdownTimeout time.Duration
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		BaudRate:        protocol.DefaultBaudRate,
		BufferSize:      protocol.DefaultBufferSize,
		Listen:          "127.0.0.1:7350",
		ServiceName:     DefaultServiceName,
		LogLevel:        "info",
		Greeting:        "ready",
		RateBurst:       1,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (cfg DeviceConfig) Validate() error {
	if cfg.BaudRate <= 0 {
		return errors.Errorf("baud_rate must be positive, got %d", cfg.BaudRate)
	}
	if cfg.BufferSize <= 0 {
		return errors.Errorf("buffer_size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.Port == "" && cfg.Listen == "" {
		return errors.New("Either port or listen must be set")
	}
	if cfg.RateLimit < 0 {
		return errors.Errorf("rate_limit must not be negative, got %v", cfg.RateLimit)
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		return errors.Errorf("rate_burst must be positive when rate_limit is set, got %d", cfg.RateBurst)
	}
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	return nil
}

type deviceFile struct {
	Port            string   `toml:"port"`
	BaudRate        int      `toml:"baud_rate"`
	BufferSize      int      `toml:"buffer_size"`
	Listen          string   `toml:"listen"`
	AdvertiseAddr   string   `toml:"advertise_addr"`
	ServiceName     string   `toml:"service_name"`
	EtcdEndpoints   []string `toml:"etcd_endpoints"`
	MetricsAddr     string   `toml:"metrics_addr"`
	LogLevel        string   `toml:"log_level"`
	Greeting        string   `toml:"greeting"`
	RequestTimeout  string   `toml:"request_timeout"`
	RateLimit       float64  `toml:"rate_limit"`
	RateBurst       int      `toml:"rate_burst"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
}

// LoadDevice reads path on top of the defaults. An empty path yields the defaults.
func LoadDevice(path string) (DeviceConfig, error) {
	cfg := DefaultDeviceConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw deviceFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DeviceConfig{}, errors.Wrapf(err, "Failed to load device config %s", path)
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("service_name") {
		cfg.ServiceName = strings.TrimSpace(raw.ServiceName)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("greeting") {
		cfg.Greeting = raw.Greeting
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return DeviceConfig{}, err
		}
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("shutdown_timeout") {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return DeviceConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return DeviceConfig{}, errors.Wrap(err, "Invalid device config")
	}
	return cfg, nil
}

// HostConfig drives the host CLI.
type HostConfig struct {
	// Port is a serial device; Addr a TCP-exposed device. With neither set, devices are
	// discovered in etcd under ServiceName.
	Port          string
	BaudRate      int
	Addr          string
	ServiceName   string
	EtcdEndpoints []string
	Balancer      string

	InitTimeout time.Duration
	ReadTimeout time.Duration
	Retries     int
	RetryDelay  time.Duration
	FrameSize   int
	PoolSize    int

	LogLevel string
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		BaudRate:    protocol.DefaultBaudRate,
		ServiceName: DefaultServiceName,
		Balancer:    "round_robin",
		InitTimeout: 3 * time.Second,
		ReadTimeout: 2 * time.Second,
		RetryDelay:  100 * time.Millisecond,
		FrameSize:   4096,
		PoolSize:    1,
		LogLevel:    "info",
	}
}

func (cfg HostConfig) Validate() error {
	if cfg.BaudRate <= 0 {
		return errors.Errorf("baud_rate must be positive, got %d", cfg.BaudRate)
	}
	if cfg.FrameSize <= 0 {
		return errors.Errorf("frame_size must be positive, got %d", cfg.FrameSize)
	}
	if cfg.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", cfg.Retries)
	}
	if cfg.PoolSize <= 0 {
		return errors.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	return nil
}

type hostFile struct {
	Port          string   `toml:"port"`
	BaudRate      int      `toml:"baud_rate"`
	Addr          string   `toml:"addr"`
	ServiceName   string   `toml:"service_name"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	Balancer      string   `toml:"balancer"`
	InitTimeout   string   `toml:"init_timeout"`
	ReadTimeout   string   `toml:"read_timeout"`
	Retries       int      `toml:"retries"`
	RetryDelay    string   `toml:"retry_delay"`
	FrameSize     int      `toml:"frame_size"`
	PoolSize      int      `toml:"pool_size"`
	LogLevel      string   `toml:"log_level"`
}

// LoadHost reads path on top of the defaults. An empty path yields the defaults.
func LoadHost(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw hostFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return HostConfig{}, errors.Wrapf(err, "Failed to load host config %s", path)
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("service_name") {
		cfg.ServiceName = strings.TrimSpace(raw.ServiceName)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("init_timeout") {
		if cfg.InitTimeout, err = parseDuration("init_timeout", raw.InitTimeout); err != nil {
			return HostConfig{}, err
		}
	}
	if meta.IsDefined("read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return HostConfig{}, err
		}
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("retry_delay") {
		if cfg.RetryDelay, err = parseDuration("retry_delay", raw.RetryDelay); err != nil {
			return HostConfig{}, err
		}
	}
	if meta.IsDefined("frame_size") {
		cfg.FrameSize = raw.FrameSize
	}
	if meta.IsDefined("pool_size") {
		cfg.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return HostConfig{}, errors.Wrap(err, "Invalid host config")
	}
	return cfg, nil
}

func parseDuration(key string, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "Failed to parse %s", key)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
