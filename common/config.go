// Copyright 2021-2022 The connhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Hub Related Config

// HubConfig defines the connection hub parameters
type HubConfig struct {
	// Instance is the name of this hub instance. It is the "serverId" reported to clients.
	Instance string `mapstructure:"instance" json:"instance" validate:"required"`
	// DefaultRequestTimeout is the default server-to-client call timeout in milliseconds
	DefaultRequestTimeout int64 `mapstructure:"default_request_timeout_ms" json:"default_request_timeout_ms" validate:"gte=1"`
	// DeliveryWorkers is the number of workers delivering fire-and-forget messages
	DeliveryWorkers int `mapstructure:"delivery_workers" json:"delivery_workers" validate:"gte=1"`
	// DeliveryQueueDepth is the depth of the fire-and-forget delivery queue of each worker
	DeliveryQueueDepth int `mapstructure:"delivery_queue_depth" json:"delivery_queue_depth" validate:"gte=0"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for the NATS client transport
type NATSConfig struct {
	// Enabled whether to accept client connections over NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubjectPrefix is the prefix of the subjects used to exchange messages with clients
	//
	// Clients publish to "<prefix>.server". Messages for a client are published to
	// "<prefix>.client.<client ID>".
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// SessionTimeout is the max duration without any message from a NATS client, in seconds,
	// before it is removed. Clients send "heartbeat" messages to stay registered. 0 disables.
	SessionTimeout int `mapstructure:"session_timeout_sec" json:"session_timeout_sec" validate:"gte=0"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketConfig defines parameters for the WebSocket client transport
type WebSocketConfig struct {
	// HandshakeTimeout is the max duration to wait for the client registration message in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between keep-alive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is the max duration to wait for activity from the client in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
	// WriteTimeout is the max duration for writing one message to the client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageSize is the max size of a message read from the client in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1024"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the server
type SystemConfig struct {
	// Hub are the connection hub config parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// WebSocket are the WebSocket transport config parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// NATS are the NATS transport config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default hub settings
	viper.SetDefault("hub.instance", "connhub")
	viper.SetDefault("hub.default_request_timeout_ms", 30000)
	viper.SetDefault("hub.delivery_workers", 4)
	viper.SetDefault("hub.delivery_queue_depth", 64)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Connhub-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default WebSocket settings
	viper.SetDefault("websocket.handshake_timeout_sec", 10)
	viper.SetDefault("websocket.ping_interval_sec", 30)
	viper.SetDefault("websocket.pong_timeout_sec", 60)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.max_message_bytes", 1048576)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "connhub")
	viper.SetDefault("nats.session_timeout_sec", 90)
}
