package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus types.
const (
	BusSim  = "sim"  // simulated mount, no hardware
	BusPort = "port" // ISA controller card through /dev/port
	BusGPIO = "gpio" // Pi drives step/dir drivers directly
)

const siderealDaySeconds = 86164.0905

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// BusConfig selects and addresses the motor controller card.
type BusConfig struct {
	Type        string `yaml:"type"`        // "sim", "port" or "gpio"
	PortDevice  string `yaml:"port_device"` // default /dev/port
	PortBase    int64  `yaml:"port_base"`   // card base I/O address
	SimStartHA  int64  `yaml:"sim_start_ha"`
	SimStartDec int64  `yaml:"sim_start_dec"`
}

// MountConfig describes the mount mechanics and site.
type MountConfig struct {
	LatitudeDeg       float64 `yaml:"latitude_deg"` // northern hemisphere, (0, 90)
	HAStepsPerDegree  float64 `yaml:"ha_steps_per_degree"`
	DecStepsPerDegree float64 `yaml:"dec_steps_per_degree"`
	HAZeroDeg         float64 `yaml:"ha_zero_deg"`   // hour angle at the West limit switch
	DecZeroDeg        float64 `yaml:"dec_zero_deg"`  // declination at the North limit switch
	HAMaxSteps        int32   `yaml:"ha_max_steps"`  // HA step position of the East limit switch
	DecMaxSteps       int32   `yaml:"dec_max_steps"` // Dec step position of the South limit switch
	StepClockHz       float64 `yaml:"step_clock_hz"` // steps/s = step_clock_hz / rate
}

// RatesConfig holds rate register values (smaller = faster).
type RatesConfig struct {
	Fastest     uint16 `yaml:"fastest"`      // fastest slew rate
	Slowest     uint16 `yaml:"slowest"`      // slowest operational rate; moves start and stop here
	Sidereal    uint16 `yaml:"sidereal"`     // 0 = derived from the HA gearing
	Guide       uint16 `yaml:"guide"`        // tracking corrections; 0 = 2/3 of sidereal
	Init        uint16 `yaml:"init"`         // homing onto the limit switches
	HandsetFast uint16 `yaml:"handset_fast"` // handset with the speed button held
	HandsetSlow uint16 `yaml:"handset_slow"`
}

// LimitsConfig holds soft limit and tolerance settings, all in steps
// unless noted.
type LimitsConfig struct {
	AltitudeDeg       float64 `yaml:"altitude_deg"`       // soft limit altitude
	RowSteps          int32   `yaml:"row_steps"`          // Dec steps per soft limit table row
	AxisTolerance     int32   `yaml:"axis_tolerance"`     // goto is done within this distance
	FlopThreshold     int32   `yaml:"flop_threshold"`     // overshoot accepted without reversing
	SlowdownSteps     int32   `yaml:"slowdown_steps"`     // margin added to the goto braking distance
	CalibrationWindow int32   `yaml:"calibration_window"` // zero switch accepted within this distance
	TrackingTolerance int32   `yaml:"tracking_tolerance"` // pointing adjustments smaller than this are dropped
}

// StepperConfig holds the pins of one step/dir driver for the GPIO bus.
type StepperConfig struct {
	StepPin   int  `yaml:"step_pin"`
	DirPin    int  `yaml:"dir_pin"`
	EnablePin int  `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	InvertDir bool `yaml:"invert_dir"`
}

// LimitPinsConfig maps limit switches to BCM pins.
type LimitPinsConfig struct {
	North int `yaml:"north"`
	South int `yaml:"south"`
	East  int `yaml:"east"`
	West  int `yaml:"west"`
}

// GPIOBusConfig configures the card-less GPIO bus.
type GPIOBusConfig struct {
	HAStepper  StepperConfig   `yaml:"ha_stepper"`
	DecStepper StepperConfig   `yaml:"dec_stepper"`
	LimitPins  LimitPinsConfig `yaml:"limit_pins"`
}

// HandsetConfig maps handset buttons to BCM pins (active LOW).
type HandsetConfig struct {
	Enabled bool `yaml:"enabled"`
	North   int  `yaml:"north_pin"`
	South   int  `yaml:"south_pin"`
	East    int  `yaml:"east_pin"`
	West    int  `yaml:"west_pin"`
	Fast    int  `yaml:"fast_pin"`
	PollMs  int  `yaml:"poll_ms"`
}

// SchedulerConfig sets the monitor period.
type SchedulerConfig struct {
	TickMs int `yaml:"tick_ms"`
}

// WebConfig configures the HTTP command surface.
type WebConfig struct {
	Port    int  `yaml:"port"` // 0 = disabled
	Metrics bool `yaml:"metrics"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Mount     MountConfig     `yaml:"mount"`
	Rates     RatesConfig     `yaml:"rates"`
	Limits    LimitsConfig    `yaml:"limits"`
	GPIOBus   GPIOBusConfig   `yaml:"gpio_bus"`
	Handset   HandsetConfig   `yaml:"handset"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Web       WebConfig       `yaml:"web"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bus.Type == "" {
		c.Bus.Type = BusSim
	}
	if c.Bus.PortDevice == "" {
		c.Bus.PortDevice = "/dev/port"
	}
	if c.Mount.StepClockHz <= 0 {
		c.Mount.StepClockHz = 1e6
	}
	if c.Rates.Fastest == 0 {
		c.Rates.Fastest = 200
	}
	if c.Rates.Slowest == 0 {
		c.Rates.Slowest = 28284
	}
	if c.Rates.Init == 0 {
		c.Rates.Init = c.Rates.Slowest / 2
	}
	if c.Rates.HandsetFast == 0 {
		c.Rates.HandsetFast = c.Rates.Fastest * 4
	}
	if c.Rates.HandsetSlow == 0 {
		c.Rates.HandsetSlow = c.Rates.Slowest
	}
	if c.Limits.RowSteps <= 0 {
		c.Limits.RowSteps = 1000
	}
	if c.Limits.AxisTolerance <= 0 {
		c.Limits.AxisTolerance = 3
	}
	if c.Limits.FlopThreshold <= 0 {
		c.Limits.FlopThreshold = 10 * c.Limits.AxisTolerance
	}
	if c.Limits.SlowdownSteps <= 0 {
		c.Limits.SlowdownSteps = 100
	}
	if c.Limits.CalibrationWindow <= 0 {
		c.Limits.CalibrationWindow = 2000
	}
	if c.Limits.TrackingTolerance <= 0 {
		c.Limits.TrackingTolerance = 5
	}
	if c.Handset.PollMs <= 0 {
		c.Handset.PollMs = 20
	}
	if c.Scheduler.TickMs <= 0 {
		c.Scheduler.TickMs = 50 // ~50 ms monitor period
	}
}

// Validate checks ranges that would make the controller unsafe.
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case BusSim, BusPort, BusGPIO:
	default:
		return fmt.Errorf("bus.type must be one of sim, port, gpio; got %q", c.Bus.Type)
	}
	m := c.Mount
	if m.LatitudeDeg <= 0 || m.LatitudeDeg >= 90 {
		return fmt.Errorf("mount.latitude_deg must be in (0, 90), got %.2f", m.LatitudeDeg)
	}
	if m.HAStepsPerDegree <= 0 || m.DecStepsPerDegree <= 0 {
		return fmt.Errorf("mount steps per degree must be > 0")
	}
	if m.DecZeroDeg > 90 {
		return fmt.Errorf("mount.dec_zero_deg must be <= 90, got %.2f", m.DecZeroDeg)
	}
	if m.HAMaxSteps <= 0 || m.DecMaxSteps <= 0 {
		return fmt.Errorf("mount.ha_max_steps and mount.dec_max_steps must be > 0")
	}
	if c.Rates.Fastest >= c.Rates.Slowest {
		return fmt.Errorf("rates.fastest (%d) must be smaller than rates.slowest (%d)", c.Rates.Fastest, c.Rates.Slowest)
	}
	sidereal := c.SiderealRate()
	if sidereal == 0 {
		return fmt.Errorf("sidereal rate does not fit the 16-bit rate register; check step_clock_hz and ha_steps_per_degree")
	}
	if c.GuideRate() >= sidereal {
		return fmt.Errorf("rates.guide (%d) must be faster than sidereal (%d)", c.GuideRate(), sidereal)
	}
	if c.Limits.FlopThreshold <= c.Limits.AxisTolerance {
		return fmt.Errorf("limits.flop_threshold (%d) must exceed limits.axis_tolerance (%d)", c.Limits.FlopThreshold, c.Limits.AxisTolerance)
	}
	if c.Limits.AltitudeDeg < 0 || c.Limits.AltitudeDeg >= 90 {
		return fmt.Errorf("limits.altitude_deg must be in [0, 90), got %.2f", c.Limits.AltitudeDeg)
	}
	return nil
}

// TickPeriod returns the monitor period.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Scheduler.TickMs) * time.Millisecond
}

// ClockPerTick is the number of step clock pulses in one monitor tick; a
// motor at rate r makes ClockPerTick/r steps per tick.
func (c *Config) ClockPerTick() float64 {
	return c.Mount.StepClockHz * c.TickPeriod().Seconds()
}

// HandsetPoll returns the handset sampling period.
func (c *Config) HandsetPoll() time.Duration {
	return time.Duration(c.Handset.PollMs) * time.Millisecond
}

// SiderealStepsPerSecond is the HA step rate matching Earth's rotation.
func (c *Config) SiderealStepsPerSecond() float64 {
	return c.Mount.HAStepsPerDegree * 360.0 / siderealDaySeconds
}

// SiderealStepsPerTick is the HA drift of the sky during one monitor tick.
func (c *Config) SiderealStepsPerTick() float64 {
	return c.SiderealStepsPerSecond() * c.TickPeriod().Seconds()
}

// SiderealRate returns the configured or derived tracking rate, or 0 when
// the derived value does not fit the rate register.
func (c *Config) SiderealRate() uint16 {
	if c.Rates.Sidereal != 0 {
		return c.Rates.Sidereal
	}
	sps := c.SiderealStepsPerSecond()
	if sps <= 0 {
		return 0
	}
	r := math.Round(c.Mount.StepClockHz / sps)
	if r < 1 || r > math.MaxUint16 {
		return 0
	}
	return uint16(r)
}

// GuideRate returns the tracking correction rate.
func (c *Config) GuideRate() uint16 {
	if c.Rates.Guide != 0 {
		return c.Rates.Guide
	}
	return uint16(uint32(c.SiderealRate()) * 2 / 3)
}
