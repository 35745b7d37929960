package config

import "time"

type Config struct {
	Server ServerConfig
	Client ClientConfig
	Log    LogConfig
}

type ServerConfig struct {
	// TCP address the relay listens on.
	Address string
	// HTTP address for the WebSocket bridge; empty disables the bridge.
	BridgeAddress string `mapstructure:"bridgeAddress"`
	// Idle window after which an active connection gets a keep-alive
	// notice instead of a disconnect. Zero disables the nudge.
	IdleNudge time.Duration `mapstructure:"idleNudge"`
}

type ClientConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level string
}
