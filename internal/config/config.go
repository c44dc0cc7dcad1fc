// Package config loads the fair's TOML configuration and applies environment
// overrides for secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/talgya/temple-fair/internal/agents"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/world"
)

// Environment variables read by ApplyEnv.
const (
	EnvEndpoint = "FAIR_LLM_ENDPOINT"
	EnvToken    = "FAIR_LLM_TOKEN"
	EnvAdminKey = "FAIRSIM_ADMIN_KEY"
)

// ErrInvalid marks a configuration that fails validation.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Sim         SimConfig         `toml:"sim"`
	World       WorldConfig       `toml:"world"`
	Stalls      []Stall           `toml:"stalls"`
	Homes       []Point           `toml:"homes"`
	Agents      AgentConfig       `toml:"agents"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Persistence PersistenceConfig `toml:"persistence"`
	API         APIConfig         `toml:"api"`
	Path        string            `toml:"-"`
}

type SimConfig struct {
	Seed         int64   `toml:"seed"`
	TickMS       int     `toml:"tick_ms"`
	Speed        float64 `toml:"speed"`
	Tourists     int     `toml:"tourists"` // used when no homes are listed
	Money        uint64  `toml:"money"`
	MaxTicks     uint64  `toml:"max_ticks"` // 0 runs until everyone is home
	HawkEvery    uint64  `toml:"hawk_every"`
	NameTourists bool    `toml:"name_tourists"`
	EventBuffer  int     `toml:"event_buffer"`
	LogLevel     string  `toml:"log_level"`
}

type WorldConfig struct {
	MapPath         string  `toml:"map_path"` // text map; empty generates one
	Width           int     `toml:"width"`
	Height          int     `toml:"height"`
	ObstacleDensity float64 `toml:"obstacle_density"`
	PlazaRadius     int     `toml:"plaza_radius"`
}

type Stall struct {
	Name string `toml:"name"`
	X    int    `toml:"x"`
	Y    int    `toml:"y"`
}

type Point struct {
	X int `toml:"x"`
	Y int `toml:"y"`
}

type AgentConfig struct {
	Speed              float64 `toml:"speed"`
	MaxRounds          int     `toml:"max_rounds"`
	PathRetries        int     `toml:"path_retries"`
	HomeJitter         int     `toml:"home_jitter"`
	SettleTicks        int     `toml:"settle_ticks"`
	BargainFloor       float64 `toml:"bargain_floor"`
	DelegateDecisions  bool    `toml:"delegate_decisions"`
	FireworkVendor     string  `toml:"firework_vendor"`
	FireworkPreference float64 `toml:"firework_preference"`
}

type GatewayConfig struct {
	Endpoint  string `toml:"endpoint"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
	Retries   int    `toml:"retries"`
	BackoffMS int    `toml:"backoff_ms"`
	SpacingMS int    `toml:"spacing_ms"`
	Prefill   bool   `toml:"prefill"`
}

type CatalogConfig struct {
	Path string `toml:"path"` // empty uses the built-in catalog
}

type PersistenceConfig struct {
	DBPath      string `toml:"db_path"`      // empty disables the run archive
	JournalPath string `toml:"journal_path"` // empty disables the snapshot journal
}

type APIConfig struct {
	Port     int    `toml:"port"` // 0 disables the HTTP API
	AdminKey string `toml:"admin_key"`
}

// Default returns a runnable configuration: a generated 40x24 fairground with
// the five stock stalls around the plaza.
func Default() Config {
	t := agents.DefaultTuning()
	g := llm.DefaultConfig()
	return Config{
		Sim: SimConfig{
			Seed:         42,
			TickMS:       100,
			Speed:        1,
			Tourists:     8,
			Money:        60,
			HawkEvery:    300,
			NameTourists: true,
			EventBuffer:  500,
			LogLevel:     "info",
		},
		World: WorldConfig{
			Width:           40,
			Height:          24,
			ObstacleDensity: 0.68,
			PlazaRadius:     4,
		},
		Stalls: []Stall{
			{Name: "爆竹秦", X: 20, Y: 6},
			{Name: "糖葫芦张", X: 12, Y: 9},
			{Name: "面人李", X: 28, Y: 9},
			{Name: "灯笼刘", X: 12, Y: 16},
			{Name: "茶汤王", X: 28, Y: 16},
		},
		Agents: AgentConfig{
			Speed:              t.Speed,
			MaxRounds:          t.MaxRounds,
			PathRetries:        t.PathRetries,
			HomeJitter:         t.HomeJitter,
			SettleTicks:        t.SettleTicks,
			BargainFloor:       t.BargainFloor,
			DelegateDecisions:  t.DelegateDecisions,
			FireworkVendor:     t.FireworkVendor,
			FireworkPreference: t.FireworkPreference,
		},
		Gateway: GatewayConfig{
			TimeoutMS: int(g.Timeout / time.Millisecond),
			Retries:   g.Retries,
			BackoffMS: int(g.Backoff / time.Millisecond),
			SpacingMS: int(g.Spacing / time.Millisecond),
			Prefill:   true,
		},
		Persistence: PersistenceConfig{
			DBPath:      "data/fair.db",
			JournalPath: "data/snapshots.jsonl.zst",
		},
		API: APIConfig{Port: 8080},
	}
}

// Load decodes path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		resolved := filepath.Clean(path)
		raw, err := os.ReadFile(resolved)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		// Lists replace the defaults rather than merging into them.
		cfg.Stalls, cfg.Homes = nil, nil
		md, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if !md.IsDefined("stalls") {
			cfg.Stalls = Default().Stalls
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown keys %v: %w", undecoded, ErrInvalid)
		}
		cfg.Path = resolved
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvEndpoint)); v != "" {
		c.Gateway.Endpoint = v
	}
	if v := strings.TrimSpace(getenv(EnvToken)); v != "" {
		c.Gateway.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvAdminKey)); v != "" {
		c.API.AdminKey = v
	}
}

// Validate checks value ranges. Placement against the map is checked when the
// fair is built.
func (c *Config) Validate() error {
	var problems []string
	if c.Sim.TickMS <= 0 {
		problems = append(problems, "sim.tick_ms must be positive")
	}
	if c.Sim.Speed < 0 {
		problems = append(problems, "sim.speed must not be negative")
	}
	if len(c.Homes) == 0 && c.Sim.Tourists <= 0 {
		problems = append(problems, "sim.tourists must be positive when no homes are listed")
	}
	if c.World.MapPath == "" && (c.World.Width < 3 || c.World.Height < 3) {
		problems = append(problems, "world.width and world.height must be at least 3")
	}
	if c.Agents.Speed <= 0 {
		problems = append(problems, "agents.speed must be positive")
	}
	if c.Agents.BargainFloor <= 0 || c.Agents.BargainFloor > 1 {
		problems = append(problems, "agents.bargain_floor must be in (0, 1]")
	}
	if c.Gateway.TimeoutMS <= 0 {
		problems = append(problems, "gateway.timeout_ms must be positive")
	}
	if c.Gateway.Retries < 0 || c.Gateway.BackoffMS < 0 || c.Gateway.SpacingMS < 0 {
		problems = append(problems, "gateway retries, backoff and spacing must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), ErrInvalid)
	}
	return nil
}

// TickInterval is the engine interval at speed 1.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sim.TickMS) * time.Millisecond
}

// GatewaySettings converts the [gateway] section.
func (c *Config) GatewaySettings() llm.Config {
	return llm.Config{
		Timeout: time.Duration(c.Gateway.TimeoutMS) * time.Millisecond,
		Retries: c.Gateway.Retries,
		Backoff: time.Duration(c.Gateway.BackoffMS) * time.Millisecond,
		Spacing: time.Duration(c.Gateway.SpacingMS) * time.Millisecond,
	}
}

// Tuning converts the [agents] section.
func (c *Config) Tuning() agents.Tuning {
	a := c.Agents
	return agents.Tuning{
		Speed:              a.Speed,
		MaxRounds:          a.MaxRounds,
		PathRetries:        a.PathRetries,
		HomeJitter:         a.HomeJitter,
		SettleTicks:        a.SettleTicks,
		BargainFloor:       a.BargainFloor,
		DelegateDecisions:  a.DelegateDecisions,
		FireworkVendor:     a.FireworkVendor,
		FireworkPreference: a.FireworkPreference,
	}
}

// GenConfig converts the [world] section. Stall tiles are kept clear.
func (c *Config) GenConfig() world.GenConfig {
	gc := world.DefaultGenConfig()
	gc.Seed = c.Sim.Seed
	gc.Width, gc.Height = c.World.Width, c.World.Height
	if c.World.ObstacleDensity > 0 {
		gc.ObstacleDensity = c.World.ObstacleDensity
	}
	if c.World.PlazaRadius > 0 {
		gc.PlazaRadius = c.World.PlazaRadius
	}
	for _, s := range c.Stalls {
		gc.KeepClear = append(gc.KeepClear, world.Tile{X: s.X, Y: s.Y})
	}
	return gc
}

// HomeTiles returns the configured homes, nil when homes are generated.
func (c *Config) HomeTiles() []world.Tile {
	if len(c.Homes) == 0 {
		return nil
	}
	out := make([]world.Tile, len(c.Homes))
	for i, h := range c.Homes {
		out[i] = world.Tile{X: h.X, Y: h.Y}
	}
	return out
}

// LoadMap reads a text map: '#' is blocked, anything else walkable.
func LoadMap(path string) (*world.Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", path, err)
	}
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	g, err := world.ParseGrid(lines)
	if err != nil {
		return nil, fmt.Errorf("parse map %s: %w", path, err)
	}
	return g, nil
}
