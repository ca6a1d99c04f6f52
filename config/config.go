// Package config provides the server configuration structures.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	ListenAddr string `json:"listenAddr" yaml:"listenAddr" mapstructure:"listenAddr"`
	Debug      bool   `json:"debug" yaml:"debug" mapstructure:"debug"`
	ConfigPath string `json:"configPath" yaml:"configPath" mapstructure:"configPath"`

	HTTP2       HTTP2       `json:"http2" yaml:"http2" mapstructure:"http2"`
	Limits      Limits      `json:"limits" yaml:"limits" mapstructure:"limits"`
	Timeouts    Timeouts    `json:"timeouts" yaml:"timeouts" mapstructure:"timeouts"`
	Compression Compression `json:"compression" yaml:"compression" mapstructure:"compression"`
	TLS         TLS         `json:"tls" yaml:"tls" mapstructure:"tls"`

	EnableHealthCheck bool `json:"enableHealthCheck" yaml:"enableHealthCheck" mapstructure:"enableHealthCheck"`
	EnableReflection  bool `json:"enableReflection" yaml:"enableReflection" mapstructure:"enableReflection"`
}

type HTTP2 struct {
	MaxFrameSize         uint32 `json:"maxFrameSize" yaml:"maxFrameSize" mapstructure:"maxFrameSize"`
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams" yaml:"maxConcurrentStreams" mapstructure:"maxConcurrentStreams"`
	InitialWindowSize    uint32 `json:"initialWindowSize" yaml:"initialWindowSize" mapstructure:"initialWindowSize"`
	HeaderTableSize      uint32 `json:"headerTableSize" yaml:"headerTableSize" mapstructure:"headerTableSize"`
	MaxHeaderListSize    uint32 `json:"maxHeaderListSize" yaml:"maxHeaderListSize" mapstructure:"maxHeaderListSize"`
}

type Limits struct {
	MaxConnections        int    `json:"maxConnections" yaml:"maxConnections" mapstructure:"maxConnections"`
	MaxMessageSize        uint32 `json:"maxMessageSize" yaml:"maxMessageSize" mapstructure:"maxMessageSize"`
	MaxConcurrentRequests int64  `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests" mapstructure:"maxConcurrentRequests"`
	MaxQueuedRequests     int64  `json:"maxQueuedRequests" yaml:"maxQueuedRequests" mapstructure:"maxQueuedRequests"`
}

type Timeouts struct {
	KeepaliveInterval time.Duration `json:"keepaliveInterval" yaml:"keepaliveInterval" mapstructure:"keepaliveInterval"`
	KeepaliveTimeout  time.Duration `json:"keepaliveTimeout" yaml:"keepaliveTimeout" mapstructure:"keepaliveTimeout"`
	IdleTimeout       time.Duration `json:"idleTimeout" yaml:"idleTimeout" mapstructure:"idleTimeout"`
	DrainTimeout      time.Duration `json:"drainTimeout" yaml:"drainTimeout" mapstructure:"drainTimeout"`
	DefaultTimeout    time.Duration `json:"defaultTimeout" yaml:"defaultTimeout" mapstructure:"defaultTimeout"`
}

type Compression struct {
	Enabled   bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Threshold int      `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Codecs    []string `json:"codecs" yaml:"codecs" mapstructure:"codecs"`
}

type TLS struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	CertFile string `json:"certFile" yaml:"certFile" mapstructure:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile" mapstructure:"keyFile"`
	// ClientCAFile enables mutual TLS when set.
	ClientCAFile string `json:"clientCAFile" yaml:"clientCAFile" mapstructure:"clientCAFile"`
}

const (
	minFrameSize = 16384
	maxFrameSize = 16777215
	maxWindow    = 1<<31 - 1
)

// Validate checks the protocol-bound ranges.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must be set")
	}
	if c.HTTP2.MaxFrameSize < minFrameSize || c.HTTP2.MaxFrameSize > maxFrameSize {
		return fmt.Errorf("http2.maxFrameSize %d out of range [%d, %d]", c.HTTP2.MaxFrameSize, minFrameSize, maxFrameSize)
	}
	if c.HTTP2.InitialWindowSize > maxWindow {
		return fmt.Errorf("http2.initialWindowSize %d exceeds %d", c.HTTP2.InitialWindowSize, maxWindow)
	}
	if c.Limits.MaxMessageSize == 0 {
		return fmt.Errorf("limits.maxMessageSize must be positive")
	}
	if c.Limits.MaxQueuedRequests > 0 && c.Limits.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("limits.maxQueuedRequests requires limits.maxConcurrentRequests")
	}
	if c.Timeouts.KeepaliveInterval > 0 && c.Timeouts.KeepaliveTimeout <= 0 {
		return fmt.Errorf("timeouts.keepaliveTimeout must be positive when keepalive is enabled")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.certFile and tls.keyFile must be set when tls is enabled")
	}
	for _, codec := range c.Compression.Codecs {
		switch codec {
		case "identity", "gzip", "deflate":
		default:
			return fmt.Errorf("unsupported compression codec %q", codec)
		}
	}
	return nil
}
