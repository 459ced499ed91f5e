package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"school-gradients/internal/dataset"
	"school-gradients/internal/output"
)

const (
	ModeBucketed = "bucketed"
	ModeTopK     = "topk"
)

// Config holds the full application configuration.
type Config struct {
	Input    InputConfig    `yaml:"input" mapstructure:"input"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	Groups   []Group        `yaml:"groups" mapstructure:"groups"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// InputConfig locates the school list and maps its columns.
type InputConfig struct {
	Path      string          `yaml:"path" mapstructure:"path"`
	Sheet     string          `yaml:"sheet" mapstructure:"sheet"`
	Delimiter string          `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding  string          `yaml:"encoding" mapstructure:"encoding"`
	Columns   dataset.Columns `yaml:"columns" mapstructure:"columns"`
}

// AnalysisConfig tunes the pair comparison and the aggregation.
type AnalysisConfig struct {
	MinDifference   int       `yaml:"min_difference" mapstructure:"min_difference"`
	MaxDistanceKm   float64   `yaml:"max_distance_km" mapstructure:"max_distance_km"`
	ZeroFloorKm     float64   `yaml:"zero_floor_km" mapstructure:"zero_floor_km"`
	IndexMin        int       `yaml:"index_min" mapstructure:"index_min"`
	IndexMax        int       `yaml:"index_max" mapstructure:"index_max"`
	IncludeMetadata bool      `yaml:"include_metadata" mapstructure:"include_metadata"`
	Workers         int       `yaml:"workers" mapstructure:"workers"`
	ProgressEvery   int64     `yaml:"progress_every" mapstructure:"progress_every"`
	Mode            string    `yaml:"mode" mapstructure:"mode"`
	TopK            int       `yaml:"top_k" mapstructure:"top_k"`
	BucketsKm       []float64 `yaml:"buckets_km" mapstructure:"buckets_km"`
}

// Group is a named set of category labels compared together.
type Group struct {
	Name   string   `yaml:"name" mapstructure:"name"`
	Labels []string `yaml:"labels" mapstructure:"labels"`
}

type OutputConfig struct {
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// ServerConfig configures the job server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultGroups are the school forms of the NRW school list.
func DefaultGroups() []Group {
	return []Group{
		{Name: "grundschulen", Labels: []string{"Grundschule"}},
		{Name: "weiterfuehrende", Labels: []string{"Gesamtschule", "Gymnasium", "Realschule", "Hauptschule", "Sekundarschule"}},
	}
}

// Load reads configuration from defaults, the optional config file and the
// environment, in increasing precedence. An empty path looks for config.yaml in
// the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("GRADIENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("input.path", "")
	v.SetDefault("input.sheet", "")
	v.SetDefault("input.delimiter", "")
	v.SetDefault("input.encoding", "utf-8")
	v.SetDefault("input.columns.id", "schulnummer")
	v.SetDefault("input.columns.name", "name")
	v.SetDefault("input.columns.category", "schultyp")
	v.SetDefault("input.columns.index", "sozialindex")
	v.SetDefault("input.columns.lat", "latitude")
	v.SetDefault("input.columns.lon", "longitude")
	v.SetDefault("input.columns.address", "adresse")
	v.SetDefault("analysis.min_difference", 3)
	v.SetDefault("analysis.max_distance_km", 5.0)
	v.SetDefault("analysis.zero_floor_km", 0.05)
	v.SetDefault("analysis.index_min", 1)
	v.SetDefault("analysis.index_max", 9)
	v.SetDefault("analysis.include_metadata", true)
	v.SetDefault("analysis.workers", 1)
	v.SetDefault("analysis.progress_every", 250000)
	v.SetDefault("analysis.mode", ModeBucketed)
	v.SetDefault("analysis.top_k", 50)
	v.SetDefault("analysis.buckets_km", []float64{1, 2, 3, 4, 5})
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.formats", []string{output.FormatJSON})
	v.SetDefault("server.port", 9595)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = DefaultGroups()
	}

	return &cfg, nil
}

// Validate checks the configuration before any I/O happens. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	a := c.Analysis
	if a.MaxDistanceKm < 0 {
		fail("analysis.max_distance_km must not be negative")
	}
	if a.MinDifference < 0 {
		fail("analysis.min_difference must not be negative")
	}
	if a.ZeroFloorKm <= 0 {
		fail("analysis.zero_floor_km must be positive")
	} else if a.MaxDistanceKm > 0 && a.ZeroFloorKm > a.MaxDistanceKm {
		fail("analysis.zero_floor_km %v exceeds analysis.max_distance_km %v", a.ZeroFloorKm, a.MaxDistanceKm)
	}
	if a.IndexMin > a.IndexMax {
		fail("analysis.index_min %d is greater than analysis.index_max %d", a.IndexMin, a.IndexMax)
	}
	if a.Workers < 1 {
		fail("analysis.workers must be at least 1")
	}

	switch a.Mode {
	case ModeBucketed:
		if len(a.BucketsKm) == 0 {
			fail("analysis.buckets_km is required in bucketed mode")
		}
		prev := 0.0
		for _, b := range a.BucketsKm {
			if b <= prev {
				fail("analysis.buckets_km must be positive and strictly increasing")
				break
			}
			prev = b
		}
	case ModeTopK:
		if a.TopK < 1 {
			fail("analysis.top_k must be at least 1")
		}
	default:
		fail("analysis.mode %q is not one of %s, %s", a.Mode, ModeBucketed, ModeTopK)
	}

	if len(c.Groups) == 0 {
		fail("groups must not be empty")
	}
	names := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if strings.TrimSpace(g.Name) == "" {
			fail("groups[%d].name is required", i)
		} else if names[g.Name] {
			fail("groups[%d].name %q is duplicated", i, g.Name)
		}
		names[g.Name] = true
		if len(g.Labels) == 0 {
			fail("groups[%d].labels must not be empty", i)
		}
	}

	if len(c.Output.Formats) == 0 {
		fail("output.formats must not be empty")
	}
	for _, f := range c.Output.Formats {
		if !output.Supported(f) {
			fail("output.formats: unknown format %q", f)
		}
	}
	if c.Output.Dir == "" {
		fail("output.dir is required")
	}

	if _, ok := delimiter(c.Input.Delimiter); !ok {
		fail("input.delimiter must be a single character")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LoadOptions maps the input section onto loader options.
func (c *Config) LoadOptions() dataset.LoadOptions {
	opts := dataset.LoadOptions{
		Columns:  c.Input.Columns,
		Sheet:    c.Input.Sheet,
		Encoding: c.Input.Encoding,
	}
	opts.Delimiter, _ = delimiter(c.Input.Delimiter)
	return opts
}

// delimiter accepts a single character, or "tab" and `\t` for tabs. Empty
// selects the loader default.
func delimiter(d string) (rune, bool) {
	switch d {
	case "":
		return 0, true
	case `\t`, "tab":
		return '\t', true
	}
	if r := []rune(d); len(r) == 1 {
		return r[0], true
	}
	return 0, false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
