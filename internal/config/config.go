// Package config loads screenrelay settings from a YAML file, then applies
// SCREENRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Portal  Portal  `yaml:"portal"`
	Stream  Stream  `yaml:"stream"`
	Render  Render  `yaml:"render"`
	Logging Logging `yaml:"logging"`
	Status  Status  `yaml:"status"`
}

type Portal struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SourceTypes      []string      `yaml:"source_types"`
	CursorMode       string        `yaml:"cursor_mode"`
	Multiple         bool          `yaml:"multiple"`
	PersistMode      string        `yaml:"persist_mode"`
	RestoreToken     string        `yaml:"restore_token"`
}

type Stream struct {
	Name              string `yaml:"name"`
	Width             uint32 `yaml:"width"`
	Height            uint32 `yaml:"height"`
	FrameRate         uint32 `yaml:"frame_rate"`
	MismatchWarnAfter int    `yaml:"mismatch_warn_after"`
}

type Render struct {
	Sink           string        `yaml:"sink"`
	RedrawInterval time.Duration `yaml:"redraw_interval"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is an extra log destination, typically set through
	// SCREENRELAY_DEBUG_FILE.
	File string `yaml:"file"`
}

type Status struct {
	Listen string `yaml:"listen"`
}

var (
	sourceTypeNames  = map[string]uint32{"monitor": 1, "window": 2, "virtual": 4}
	cursorModeNames  = map[string]uint32{"hidden": 1, "embedded": 2, "metadata": 4}
	persistModeNames = map[string]uint32{"none": 0, "running": 1, "persistent": 2}
	sinkNames        = map[string]bool{"gst": true, "headless": true}
	levelNames       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	formatNames      = map[string]bool{"json": true, "console": true}
)

func Default() *Config {
	return &Config{
		Portal: Portal{
			HandshakeTimeout: 2 * time.Minute,
			SourceTypes:      []string{"monitor"},
			CursorMode:       "embedded",
			PersistMode:      "none",
		},
		Stream: Stream{
			Name:              "screenrelay",
			Width:             1920,
			Height:            1080,
			FrameRate:         60,
			MismatchWarnAfter: 8,
		},
		Render: Render{
			Sink:           "gst",
			RedrawInterval: 16 * time.Millisecond,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Environment overrides are applied last. The result is not validated so
// callers can layer flags on top before calling Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Portal.HandshakeTimeout = DurationEnv("SCREENRELAY_HANDSHAKE_TIMEOUT", c.Portal.HandshakeTimeout)
	c.Render.Sink = StringEnv("SCREENRELAY_SINK", c.Render.Sink)
	c.Stream.FrameRate = uint32(IntEnvClamped("SCREENRELAY_FPS", int(c.Stream.FrameRate), 1, 240))
	c.Status.Listen = StringEnv("SCREENRELAY_STATUS_LISTEN", c.Status.Listen)
	c.Logging.Level = StringEnv("SCREENRELAY_LOG_LEVEL", c.Logging.Level)
	if BoolEnv("SCREENRELAY_DEBUG", false) {
		c.Logging.Level = "debug"
	}
	c.Logging.File = StringEnv("SCREENRELAY_DEBUG_FILE", c.Logging.File)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Portal.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("portal.handshake_timeout must be positive"))
	}
	if len(c.Portal.SourceTypes) == 0 {
		errs = append(errs, errors.New("portal.source_types must not be empty"))
	}
	for _, name := range c.Portal.SourceTypes {
		if _, ok := sourceTypeNames[strings.ToLower(name)]; !ok {
			errs = append(errs, fmt.Errorf("portal.source_types: unknown %q", name))
		}
	}
	if _, ok := cursorModeNames[strings.ToLower(c.Portal.CursorMode)]; !ok {
		errs = append(errs, fmt.Errorf("portal.cursor_mode: unknown %q", c.Portal.CursorMode))
	}
	if _, ok := persistModeNames[strings.ToLower(c.Portal.PersistMode)]; !ok {
		errs = append(errs, fmt.Errorf("portal.persist_mode: unknown %q", c.Portal.PersistMode))
	}
	if c.Stream.Width == 0 || c.Stream.Height == 0 {
		errs = append(errs, errors.New("stream.width and stream.height must be positive"))
	}
	if c.Stream.FrameRate == 0 {
		errs = append(errs, errors.New("stream.frame_rate must be positive"))
	}
	if !sinkNames[c.Render.Sink] {
		errs = append(errs, fmt.Errorf("render.sink: unknown %q", c.Render.Sink))
	}
	if c.Render.RedrawInterval <= 0 {
		errs = append(errs, errors.New("render.redraw_interval must be positive"))
	}
	if !levelNames[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level: unknown %q", c.Logging.Level))
	}
	if !formatNames[c.Logging.Format] {
		errs = append(errs, fmt.Errorf("logging.format: unknown %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SourceTypeMask returns the portal bitmask for Portal.SourceTypes.
func (p Portal) SourceTypeMask() uint32 {
	var mask uint32
	for _, name := range p.SourceTypes {
		mask |= sourceTypeNames[strings.ToLower(name)]
	}
	return mask
}

func (p Portal) CursorModeValue() uint32 {
	return cursorModeNames[strings.ToLower(p.CursorMode)]
}

func (p Portal) PersistModeValue() uint32 {
	return persistModeNames[strings.ToLower(p.PersistMode)]
}
