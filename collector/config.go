package collector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/askbatch/internal/browser"
	"github.com/hazyhaar/askbatch/internal/driver"
)

// Retention holds the post-terminal lifetimes of task records. A record is
// cleared this long after reaching its terminal status; the sweep catches
// anything the timers miss.
type Retention struct {
	Completed         time.Duration `yaml:"completed"`
	StoppedWithExport time.Duration `yaml:"stopped_with_export"`
	Failed            time.Duration `yaml:"failed"`
}

// Config configures the collector service.
type Config struct {
	// ChatURL is the chat front end the batches run against.
	ChatURL string `yaml:"chat_url"`

	// DataDir holds the task registry database.
	DataDir string `yaml:"data_dir"`

	// ExportDir receives the CSV exports.
	ExportDir string `yaml:"export_dir"`

	// StopGrace is the delay between a stop request and run cancellation,
	// leaving an in-flight scrape room to land.
	StopGrace time.Duration `yaml:"stop_grace"`

	// SweepInterval and SweepMaxAge drive the stale-record sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepMaxAge   time.Duration `yaml:"sweep_max_age"`

	Retention Retention      `yaml:"retention"`
	Driver    driver.Config  `yaml:"-"`
	Browser   browser.Config `yaml:"-"`

	// BrowserRemoteURL connects to an external Chrome instead of
	// launching one.
	BrowserRemoteURL string `yaml:"browser_remote_url"`

	// Headful runs the local Chrome with a visible window.
	Headful bool `yaml:"headful"`
}

func (c *Config) applyDefaults() {
	if c.ChatURL == "" {
		c.ChatURL = "https://www.kimi.com"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ExportDir == "" {
		c.ExportDir = "exports"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 1500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.SweepMaxAge <= 0 {
		c.SweepMaxAge = 24 * time.Hour
	}
	if c.Retention.Completed <= 0 {
		c.Retention.Completed = 5 * time.Minute
	}
	if c.Retention.StoppedWithExport <= 0 {
		c.Retention.StoppedWithExport = 3 * time.Minute
	}
	if c.Retention.Failed <= 0 {
		c.Retention.Failed = time.Minute
	}
	c.Browser.RemoteURL = c.BrowserRemoteURL
	c.Browser.HeadlessOff = c.Headful
}

// LoadConfig reads a YAML config file and applies defaults. An empty path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("collector: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("collector: parse config: %w", err)
		}
	}
	c.applyDefaults()
	return c, nil
}
