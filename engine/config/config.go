package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/prisma/engine/core"
)

// Config holds the viewer settings loaded from prisma.toml. Every field has a
// working default so the viewer can start without a config file on disk.
type Config struct {
	Window WindowConfig `toml:"window"`
	Render RenderConfig `toml:"render"`
	DoF    DoFConfig    `toml:"dof"`
	Assets AssetsConfig `toml:"assets"`
}

type WindowConfig struct {
	Title  string `toml:"title"`
	PosX   uint32 `toml:"pos_x"`
	PosY   uint32 `toml:"pos_y"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type RenderConfig struct {
	// MSAA sample count for the scene pass.
	SampleCount uint32 `toml:"sample_count"`
}

type DoFConfig struct {
	Enabled    bool    `toml:"enabled"`
	UseCPU     bool    `toml:"use_cpu"`
	FocusDepth float32 `toml:"focus_depth"`
}

type AssetsConfig struct {
	// Directory holding compiled SPIR-V shaders and UI fonts.
	Dir string `toml:"dir"`
}

func Default() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "Prisma Viewer",
			PosX:   100,
			PosY:   100,
			Width:  800,
			Height: 600,
		},
		Render: RenderConfig{
			SampleCount: 4,
		},
		DoF: DoFConfig{
			Enabled:    true,
			UseCPU:     false,
			FocusDepth: 5.0,
		},
		Assets: AssetsConfig{
			Dir: "assets",
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			core.LogInfo("no config file at %s, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Render.SampleCount {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("render.sample_count must be 1, 2, 4 or 8, got %d", c.Render.SampleCount)
	}
	if c.DoF.FocusDepth < 0 || c.DoF.FocusDepth > 10 {
		return fmt.Errorf("dof.focus_depth must be within [0,10], got %f", c.DoF.FocusDepth)
	}
	return nil
}
