package config

import "time"

// Default returns the configuration the server runs with when no file or
// flags override it.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:50051",
		HTTP2: HTTP2{
			MaxFrameSize:         16384,
			MaxConcurrentStreams: 128,
			InitialWindowSize:    65535,
			HeaderTableSize:      4096,
			MaxHeaderListSize:    16384,
		},
		Limits: Limits{
			MaxConnections:        1024,
			MaxMessageSize:        4 * 1024 * 1024,
			MaxConcurrentRequests: 256,
			MaxQueuedRequests:     256,
		},
		Timeouts: Timeouts{
			KeepaliveInterval: 2 * time.Minute,
			KeepaliveTimeout:  20 * time.Second,
			IdleTimeout:       5 * time.Minute,
			DrainTimeout:      10 * time.Second,
		},
		Compression: Compression{
			Enabled:   true,
			Threshold: 1024,
			Codecs:    []string{"gzip", "deflate"},
		},
		EnableHealthCheck: true,
		EnableReflection:  true,
	}
}
