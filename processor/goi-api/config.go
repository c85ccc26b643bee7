package goiapi

import (
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// goiAPISchema holds the configuration schema generated from Config.
var goiAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// DefaultUserHeader carries the principal of every request.
const DefaultUserHeader = "X-User-ID"

// Config holds configuration for the goi-api component.
type Config struct {
	// UserHeader names the request header holding the caller's user id.
	UserHeader string `json:"user_header" schema:"type:string,description:Header carrying the user id,category:basic,default:X-User-ID"`

	// HeartbeatInterval is the SSE heartbeat period as a duration string.
	HeartbeatInterval string `json:"heartbeat_interval" schema:"type:string,description:SSE heartbeat interval,category:advanced,default:30s"`

	// MaxEventLimit caps the page size of GET /events.
	MaxEventLimit int `json:"max_event_limit" schema:"type:int,description:Maximum events per page,category:advanced,default:500"`

	// Ports declares optional HTTP port configuration.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Port configuration,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		UserHeader:        DefaultUserHeader,
		HeartbeatInterval: "30s",
		MaxEventLimit:     500,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.UserHeader == "" {
		c.UserHeader = d.UserHeader
	}
	if c.HeartbeatInterval == "" {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxEventLimit == 0 {
		c.MaxEventLimit = d.MaxEventLimit
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if http.CanonicalHeaderKey(c.UserHeader) == "" {
		return fmt.Errorf("user_header is required")
	}
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("invalid heartbeat_interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.MaxEventLimit < 0 {
		return fmt.Errorf("max_event_limit must not be negative")
	}
	return nil
}

// Heartbeat returns the parsed heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
