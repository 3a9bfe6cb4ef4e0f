// internal/browser/types.go
package browser

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Config defines browser automation settings for the driver pool.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	PoolSize       int           `yaml:"pool_size" json:"pool_size"`
	Headless       bool          `yaml:"headless" json:"headless"`
	UserAgent      string        `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	DisableImages  bool          `yaml:"disable_images" json:"disable_images"`
	WaitDelay      time.Duration `yaml:"wait_delay,omitempty" json:"wait_delay,omitempty"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// UnmarshalYAML accepts durations as strings ("2s") or nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled        bool           `yaml:"enabled"`
		PoolSize       int            `yaml:"pool_size"`
		Headless       bool           `yaml:"headless"`
		UserAgent      string         `yaml:"user_agent"`
		ViewportWidth  int            `yaml:"viewport_width"`
		ViewportHeight int            `yaml:"viewport_height"`
		DisableImages  bool           `yaml:"disable_images"`
		WaitDelay      utils.Duration `yaml:"wait_delay"`
		AcquireTimeout utils.Duration `yaml:"acquire_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Enabled = raw.Enabled
	c.PoolSize = raw.PoolSize
	c.Headless = raw.Headless
	c.UserAgent = raw.UserAgent
	c.ViewportWidth = raw.ViewportWidth
	c.ViewportHeight = raw.ViewportHeight
	c.DisableImages = raw.DisableImages
	c.WaitDelay = time.Duration(raw.WaitDelay)
	c.AcquireTimeout = time.Duration(raw.AcquireTimeout)
	return nil
}

// DefaultConfig returns the driver pool defaults. Images are disabled:
// parish directories are text extraction targets.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		PoolSize:       4,
		Headless:       true,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		DisableImages:  true,
		WaitDelay:      2 * time.Second,
		AcquireTimeout: 30 * time.Second,
	}
}

// Driver is one reusable browser handle.
type Driver interface {
	// Navigate loads a URL and waits for the document body.
	Navigate(ctx context.Context, url string) error

	// Content returns the current page markup.
	Content(ctx context.Context) (string, error)

	// WaitForElement waits for a selector to become visible.
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) error

	// ExecuteScript evaluates JavaScript and decodes the result into out.
	ExecuteScript(ctx context.Context, script string, out interface{}) error

	// Healthy reports whether the handle is still usable.
	Healthy() bool

	// Close tears the browser down.
	Close() error
}

// Stats is a snapshot of pool activity.
type Stats struct {
	PagesLoaded     int64         `json:"pages_loaded"`
	Errors          int64         `json:"errors"`
	Timeouts        int64         `json:"timeouts"`
	AverageLoadTime time.Duration `json:"average_load_time"`
	DriversCreated  int           `json:"drivers_created"`
	DriversIdle     int           `json:"drivers_idle"`
}
