package common

import "github.com/spf13/viper"

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
	// means there will be no timeout. Must stay zero as long as the
	// server carries long-lived event streams.
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Telemetry Fan-out Related Config

// FanoutConfig defines parameters of the publish / subscribe fan-out engine
type FanoutConfig struct {
	// SubscriberQueueLen is the max number of pending messages buffered per subscriber.
	// A subscriber whose queue is full silently misses new messages.
	SubscriberQueueLen int `mapstructure:"subscriber_queue_len" json:"subscriber_queue_len" validate:"required,gte=1"`
	// QueuePollIntervalSec is how long a stream session waits on its queue before
	// re-checking for client disconnect in seconds
	QueuePollIntervalSec int `mapstructure:"queue_poll_interval_sec" json:"queue_poll_interval_sec" validate:"required,gte=1"`
	// KeepaliveIntervalSec is the minimum spacing between keepalive comments sent
	// on an idle stream in seconds
	KeepaliveIntervalSec int `mapstructure:"keepalive_interval_sec" json:"keepalive_interval_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Authentication Related Config

// SessionAuthConfig defines browser session cookie verification parameters
type SessionAuthConfig struct {
	// CookieName is the name of the session cookie
	CookieName string `mapstructure:"cookie_name" json:"cookie_name" validate:"required"`
	// SigningSecret is the HS256 secret the session tokens are signed with
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required"`
	// TokenLifetime is the lifetime of newly minted session tokens in seconds
	TokenLifetime int `mapstructure:"token_lifetime_sec" json:"token_lifetime_sec" validate:"gte=60"`
}

// APIKeyAuthConfig defines API key verification parameters
type APIKeyAuthConfig struct {
	// HashIterations is the PBKDF2 iteration count used when hashing key secrets
	HashIterations int `mapstructure:"hash_iterations" json:"hash_iterations" validate:"required,gte=1000"`
}

// UserCredential is one provisioned principal.
//
// The relay does not manage users; records are provisioned out-of-band and
// loaded from the config file.
type UserCredential struct {
	// Identity is the unique name of the principal
	Identity string `mapstructure:"identity" json:"identity" validate:"required"`
	// Admin marks an administrative principal
	Admin bool `mapstructure:"admin" json:"admin"`
	// Active principals can authenticate; inactive ones are always rejected
	Active bool `mapstructure:"active" json:"active"`
	// KeyPrefix is the lookup prefix of the principal's API key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// KeySalt is the hex encoded salt of the API key secret hash
	KeySalt string `mapstructure:"key_salt" json:"-"`
	// KeyHash is the hex encoded PBKDF2-SHA256 hash of the API key secret
	KeyHash string `mapstructure:"key_hash" json:"-"`
}

// AuthConfig defines the dual-mode request authentication parameters
type AuthConfig struct {
	// Session defines session cookie verification parameters
	Session SessionAuthConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// APIKey defines API key verification parameters
	APIKey APIKeyAuthConfig `mapstructure:"api_key" json:"api_key" validate:"required,dive"`
	// Users are the provisioned principals
	Users []UserCredential `mapstructure:"users" json:"users" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RelayServerConfig defines configuration for the telemetry relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Fanout are the publish / subscribe fan-out parameters
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// Auth are the request authentication parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Relay is the telemetry relay server config
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 8000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	// No write timeout. The stream end-point holds connections open indefinitely.
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Relay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"X-Api-Key", "Cookie",
		},
	)

	// Default fan-out settings
	viper.SetDefault("relay.fanout.subscriber_queue_len", 10)
	viper.SetDefault("relay.fanout.queue_poll_interval_sec", 2)
	viper.SetDefault("relay.fanout.keepalive_interval_sec", 15)

	// Default auth settings
	viper.SetDefault("relay.auth.session.cookie_name", "relaysession")
	viper.SetDefault("relay.auth.session.signing_secret", "CHANGE_ME_IN_PROD")
	viper.SetDefault("relay.auth.session.token_lifetime_sec", 7*24*60*60)
	viper.SetDefault("relay.auth.api_key.hash_iterations", 4096)
}
