package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string                      `yaml:"env"`
	Strategy    string                      `yaml:"strategy"` // order-log tag for this signal model
	Broker      BrokerConfig                `yaml:"broker"`
	Stream      StreamConfig                `yaml:"stream"`
	Gates       GateConfig                  `yaml:"gates"`
	Sizing      SizingConfig                `yaml:"sizing"`
	Exits       ExitConfig                  `yaml:"exits"`
	Bracket     BracketConfig               `yaml:"bracket"`
	Store       StoreConfig                 `yaml:"store"`
	Log         LogConfig                   `yaml:"log"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
}

type BrokerConfig struct {
	BaseURL   string `yaml:"baseURL"`
	StreamURL string `yaml:"streamURL"`
	Token     string `yaml:"token"`
	AccountID string `yaml:"accountID"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type StreamConfig struct {
	Transport       string `yaml:"transport"` // http or websocket
	DurationMinutes int    `yaml:"durationMinutes"`
	CooldownMinutes int    `yaml:"cooldownMinutes"`
}

// GateConfig holds the entry gate thresholds. These are hot-reloadable.
type GateConfig struct {
	HurstMin           float64 `yaml:"hurstMin"`
	EfficiencyMin      float64 `yaml:"efficiencyMin"`
	ZOfiMin            float64 `yaml:"zOfiMin"`
	VpinGhostMax       float64 `yaml:"vpinGhostMax"`
	VpinHardMin        float64 `yaml:"vpinHardMin"`
	VpinHardMinEnabled bool    `yaml:"vpinHardMinEnabled"`
	RuleOfN            int     `yaml:"ruleOfN"`
	MinTicksPerSecond  float64 `yaml:"minTicksPerSecond"`
	WarmupTicks        int     `yaml:"warmupTicks"`
}

type SizingConfig struct {
	BaseUnits        int     `yaml:"baseUnits"`
	MinUnits         int     `yaml:"minUnits"`
	MaxUnitsPerOrder int     `yaml:"maxUnitsPerOrder"` // 0 disables batch splitting
	NavPct           float64 `yaml:"navPct"`           // ceiling as fraction of NAV
	MarginPct        float64 `yaml:"marginPct"`        // self-correction cap, typically 0.90
	EffWeight        float64 `yaml:"effWeight"`
	ZWeight          float64 `yaml:"zWeight"`
	PMin             float64 `yaml:"pMin"`
	PMax             float64 `yaml:"pMax"`
	MarginRate       float64 `yaml:"marginRate"` // fallback when account summary omits it
}

// ExitConfig holds lifecycle and PID ratchet parameters. Hot-reloadable.
type ExitConfig struct {
	DudWindowMs             int     `yaml:"dudWindowMs"`
	DudEfficiencyMin        float64 `yaml:"dudEfficiencyMin"`
	ZExitThreshold          float64 `yaml:"zExitThreshold"`
	HurstFloor              float64 `yaml:"hurstFloor"`
	ActivationProfitPips    float64 `yaml:"activationProfitPips"`
	Kp                      float64 `yaml:"kp"`
	Ki                      float64 `yaml:"ki"`
	Kd                      float64 `yaml:"kd"`
	BaseTrailPips           float64 `yaml:"baseTrailPips"`
	FloorTrailPips          float64 `yaml:"floorTrailPips"`
	MinHoldMs               int     `yaml:"minHoldMs"`
	BaselineIncludeToxicity bool    `yaml:"baselineIncludeToxicity"`
	ReconcileIntervalMs     int     `yaml:"reconcileIntervalMs"`
	ScanIntervalMs          int     `yaml:"scanIntervalMs"`
}

type BracketConfig struct {
	TakeProfitPips float64 `yaml:"takeProfitPips"`
	StopLossPips   float64 `yaml:"stopLossPips"`
}

type StoreConfig struct {
	PostgresDSN string `yaml:"postgresDSN"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputFile string `yaml:"outputFile"`
	ErrorFile  string `yaml:"errorFile"`
}

// InstrumentConfig holds per-instrument limits and quantization.
type InstrumentConfig struct {
	SpreadCeilingPips float64 `yaml:"spreadCeilingPips"`
	LevelQuantumPips  float64 `yaml:"levelQuantumPips"`
}

// SessionDuration returns the configured stream bound.
func (c AppConfig) SessionDuration() time.Duration {
	return time.Duration(c.Stream.DurationMinutes) * time.Minute
}

// Cooldown returns the cross-session re-entry suppression window.
func (c AppConfig) Cooldown() time.Duration {
	return time.Duration(c.Stream.CooldownMinutes) * time.Minute
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("ST_BROKER_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v := os.Getenv("ST_BROKER_ACCOUNT_ID"); v != "" {
		cfg.Broker.AccountID = v
	}
	if v := os.Getenv("ST_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = "http"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "km_momentum"
	}
	if cfg.Broker.TimeoutMs <= 0 {
		cfg.Broker.TimeoutMs = 5000
	}
	if cfg.Gates.RuleOfN <= 0 {
		cfg.Gates.RuleOfN = 3
	}
	if cfg.Sizing.MarginPct <= 0 {
		cfg.Sizing.MarginPct = 0.90
	}
	if cfg.Sizing.PMin <= 0 {
		cfg.Sizing.PMin = 0.50
	}
	if cfg.Sizing.PMax <= 0 {
		cfg.Sizing.PMax = 0.75
	}
	if cfg.Exits.ScanIntervalMs <= 0 {
		cfg.Exits.ScanIntervalMs = 250
	}
	if cfg.Exits.ReconcileIntervalMs <= 0 {
		cfg.Exits.ReconcileIntervalMs = 30000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Broker.BaseURL == "" || cfg.Broker.StreamURL == "" {
		return errors.New("broker.baseURL/streamURL is required")
	}
	if cfg.Broker.Token == "" || cfg.Broker.AccountID == "" {
		return errors.New("broker.token/accountID is required (or env overrides)")
	}
	if cfg.Stream.Transport != "http" && cfg.Stream.Transport != "websocket" {
		return fmt.Errorf("stream.transport must be http or websocket, got %q", cfg.Stream.Transport)
	}
	if cfg.Stream.DurationMinutes <= 0 {
		return errors.New("stream.durationMinutes must be > 0")
	}
	if len(cfg.Instruments) == 0 {
		return errors.New("instruments config is required")
	}
	for inst, ic := range cfg.Instruments {
		if ic.SpreadCeilingPips <= 0 {
			return fmt.Errorf("instrument %s spreadCeilingPips must be > 0", inst)
		}
		if ic.LevelQuantumPips < 0 {
			return fmt.Errorf("instrument %s levelQuantumPips must be >= 0", inst)
		}
	}
	if err := validateGates(cfg.Gates); err != nil {
		return err
	}
	if err := validateExits(cfg.Exits); err != nil {
		return err
	}
	if cfg.Sizing.BaseUnits <= 0 {
		return errors.New("sizing.baseUnits must be > 0")
	}
	if cfg.Sizing.MinUnits <= 0 {
		return errors.New("sizing.minUnits must be > 0")
	}
	if cfg.Sizing.MaxUnitsPerOrder < 0 {
		return errors.New("sizing.maxUnitsPerOrder must be >= 0")
	}
	if cfg.Sizing.NavPct <= 0 || cfg.Sizing.NavPct > 1 {
		return errors.New("sizing.navPct must be in (0,1]")
	}
	if cfg.Sizing.MarginPct <= 0 || cfg.Sizing.MarginPct > 1 {
		return errors.New("sizing.marginPct must be in (0,1]")
	}
	if cfg.Bracket.TakeProfitPips <= 0 || cfg.Bracket.StopLossPips <= 0 {
		return errors.New("bracket.takeProfitPips/stopLossPips must be > 0")
	}
	return nil
}

func validateGates(g GateConfig) error {
	if g.HurstMin <= 0 || g.HurstMin >= 1 {
		return errors.New("gates.hurstMin must be in (0,1)")
	}
	if g.EfficiencyMin <= 0 {
		return errors.New("gates.efficiencyMin must be > 0")
	}
	if g.ZOfiMin <= 0 {
		return errors.New("gates.zOfiMin must be > 0")
	}
	if g.VpinGhostMax < 0 || g.VpinGhostMax > 1 {
		return errors.New("gates.vpinGhostMax must be in [0,1]")
	}
	if g.VpinHardMinEnabled && (g.VpinHardMin <= 0 || g.VpinHardMin > 1) {
		return errors.New("gates.vpinHardMin must be in (0,1] when enabled")
	}
	if g.RuleOfN < 1 {
		return errors.New("gates.ruleOfN must be >= 1")
	}
	if g.MinTicksPerSecond < 0 {
		return errors.New("gates.minTicksPerSecond must be >= 0")
	}
	if g.WarmupTicks < 0 {
		return errors.New("gates.warmupTicks must be >= 0")
	}
	return nil
}

func validateExits(e ExitConfig) error {
	if e.DudWindowMs < 0 {
		return errors.New("exits.dudWindowMs must be >= 0")
	}
	if e.ZExitThreshold <= 0 {
		return errors.New("exits.zExitThreshold must be > 0")
	}
	if e.HurstFloor < 0 || e.HurstFloor >= 1 {
		return errors.New("exits.hurstFloor must be in [0,1)")
	}
	if e.ActivationProfitPips <= 0 {
		return errors.New("exits.activationProfitPips must be > 0")
	}
	if e.BaseTrailPips <= 0 {
		return errors.New("exits.baseTrailPips must be > 0")
	}
	if e.FloorTrailPips <= 0 || e.FloorTrailPips > e.BaseTrailPips {
		return errors.New("exits.floorTrailPips must be in (0, baseTrailPips]")
	}
	if e.MinHoldMs < 0 {
		return errors.New("exits.minHoldMs must be >= 0")
	}
	return nil
}
