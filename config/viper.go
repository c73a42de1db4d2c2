package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// fileShape mirrors Options field-for-field with mapstructure tags: a
// typed struct with mapstructure tags that viper.Unmarshal decodes
// into directly. It exists separately from Options so the on-disk/env
// key names (snake_case, dotted sections) never leak into the
// engine-facing type.
type fileShape struct {
	Alpha       float64 `mapstructure:"alpha"`
	CMem        float64 `mapstructure:"c_mem"`
	RRounds     int     `mapstructure:"r_rounds"`
	PhaseBudget int     `mapstructure:"phase_budget"`
	Seed        uint64  `mapstructure:"seed"`

	Sampling struct {
		Mode      string  `mapstructure:"mode"`
		P         float64 `mapstructure:"p"`
		Safety    float64 `mapstructure:"safety"`
		Estimator string  `mapstructure:"estimator"`
	} `mapstructure:"sampling"`

	Stall struct {
		Mode   string  `mapstructure:"mode"`
		TBase  float64 `mapstructure:"t_base"`
	} `mapstructure:"stall"`

	Memory struct {
		SoftFrac    float64 `mapstructure:"soft_frac"`
		HardFrac    float64 `mapstructure:"hard_frac"`
		BudgetBytes uint64  `mapstructure:"budget_bytes"`
	} `mapstructure:"memory"`

	Finish struct {
		Strategy            string  `mapstructure:"strategy"`
		SmallThresholdFactor float64 `mapstructure:"small_threshold_factor"`
	} `mapstructure:"finish"`

	TestMode string `mapstructure:"test_mode"`
}

// LoadViper reads Options from a YAML/TOML/env configuration file at
// path using viper, falling back to Default() for any field the file
// omits. It is the external configuration-loading collaborator;
// engine and below never call this, they only receive the Options it
// produces.
func LoadViper(path string) (Options, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MPCMATCH")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("alpha", def.Alpha)
	v.SetDefault("c_mem", def.CMem)
	v.SetDefault("phase_budget", def.PhaseBudget)
	v.SetDefault("seed", def.Seed)
	v.SetDefault("sampling.mode", string(def.SamplingMode))
	v.SetDefault("sampling.p", def.SamplingP)
	v.SetDefault("sampling.safety", def.SamplingSafety)
	v.SetDefault("sampling.estimator", string(def.SamplingEstimator))
	v.SetDefault("stall.mode", string(def.StallMode))
	v.SetDefault("stall.t_base", def.StallBase)
	v.SetDefault("memory.soft_frac", def.MemorySoftFrac)
	v.SetDefault("memory.hard_frac", def.MemoryHardFrac)
	v.SetDefault("memory.budget_bytes", def.MemoryBudgetBytes)
	v.SetDefault("finish.strategy", string(def.FinishStrategy))
	v.SetDefault("finish.small_threshold_factor", def.FinishSmallThresholdFactor)
	v.SetDefault("test_mode", string(def.TestMode))

	if err := v.ReadInConfig(); err != nil {
		return Options{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fs fileShape
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fs,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return Options{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	o := Options{
		Alpha:                      fs.Alpha,
		CMem:                       fs.CMem,
		RRoundsOverride:            fs.RRounds,
		PhaseBudget:                fs.PhaseBudget,
		Seed:                       fs.Seed,
		SamplingMode:               SamplingMode(fs.Sampling.Mode),
		SamplingP:                  fs.Sampling.P,
		SamplingSafety:             fs.Sampling.Safety,
		SamplingEstimator:          Estimator(fs.Sampling.Estimator),
		StallMode:                  StallMode(fs.Stall.Mode),
		StallBase:                  fs.Stall.TBase,
		MemorySoftFrac:             fs.Memory.SoftFrac,
		MemoryHardFrac:             fs.Memory.HardFrac,
		MemoryBudgetBytes:          fs.Memory.BudgetBytes,
		FinishStrategy:             FinishStrategy(fs.Finish.Strategy),
		FinishSmallThresholdFactor: fs.Finish.SmallThresholdFactor,
		TestMode:                   TestMode(fs.TestMode),
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
