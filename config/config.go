// Package config is the thin configuration collaborator of this
// engine: a plain Options struct covering every recognized option,
// built either by functional options (resolve once into an immutable
// value, validate, return sentinel errors on violation) or loaded
// from YAML/env via LoadViper.
//
// Configuration loading itself is an external collaborator with a
// thin interface only; engine, phase, oracle and below never import
// viper — they only ever see an already-resolved Options value.
package config

import (
	"errors"
	"fmt"
)

// SamplingMode selects how the Sparsifier's participation probability
// is derived: a fixed constant, or adaptively from the observed ball
// size.
type SamplingMode string

const (
	SamplingFixed    SamplingMode = "fixed"
	SamplingAdaptive SamplingMode = "adaptive"
)

// Estimator selects how the Parameter Oracle tracks ball-size history.
type Estimator string

const (
	EstimatorLast     Estimator = "last"
	EstimatorPeakHold Estimator = "peak_hold"
)

// StallMode selects the Staller's threshold policy.
type StallMode string

const (
	StallHardThreshold StallMode = "hard_threshold"
	StallDynamic       StallMode = "dynamic"
)

// FinishStrategy selects the Finisher's residual-matching policy.
// Both a single greedy pass (Gather) and a per-connected-component
// greedy pass (Distributed) are kept available rather than picking one,
// since neither dominates the other at every residual size; both gather
// the residual to rank 0 first.
type FinishStrategy string

const (
	FinishGather      FinishStrategy = "gather"
	FinishDistributed FinishStrategy = "distributed"
)

// TestMode toggles the expensive sampled correctness checks.
type TestMode string

const (
	TestModeOff TestMode = "off"
	TestModeOn  TestMode = "on"
)

// Sentinel errors returned by Validate.
var (
	ErrBadAlpha             = errors.New("config: alpha must be in (0, 1)")
	ErrBadCMem              = errors.New("config: c_mem must be > 0")
	ErrBadPhaseBudget       = errors.New("config: phase_budget must be > 0")
	ErrBadSamplingMode      = errors.New("config: unknown sampling.mode")
	ErrBadSamplingP         = errors.New("config: sampling.p must be in (0, 1]")
	ErrBadSamplingSafety    = errors.New("config: sampling.safety must be in (0, 1]")
	ErrBadSamplingEstimator = errors.New("config: unknown sampling.estimator")
	ErrBadStallMode         = errors.New("config: unknown stall.mode")
	ErrBadMemoryFractions   = errors.New("config: memory.soft_frac must be < memory.hard_frac, both in (0,1), and memory.budget_bytes must be > 0")
	ErrBadFinishStrategy    = errors.New("config: unknown finish.strategy")
	ErrBadFinishFactor      = errors.New("config: finish.small_threshold_factor must be > 0")
	ErrBadTestMode          = errors.New("config: unknown test_mode")
	ErrBadSeed              = errors.New("config: seed must be set (use WithSeed for determinism)")
)

// Options is the fully-resolved configuration every pipeline component
// consumes.
type Options struct {
	Alpha float64 // exponent in S = c * n^alpha
	CMem  float64 // constant factor for S

	RRoundsOverride int // 0 means "derive from oracle"
	PhaseBudget     int

	SamplingMode      SamplingMode
	SamplingP         float64 // used when SamplingMode == fixed
	SamplingSafety    float64 // adaptive safety factor, default 0.5
	SamplingEstimator Estimator

	StallMode StallMode
	StallBase float64 // hard_threshold base

	MemorySoftFrac    float64
	MemoryHardFrac    float64
	MemoryBudgetBytes uint64 // per-worker RSS budget the Memory Guard measures against

	FinishStrategy            FinishStrategy
	FinishSmallThresholdFactor float64

	TestMode TestMode

	// Seed keys the run's Hasher (hashid.New(Seed)); required for
	// determinism: identical inputs, identical p/alpha/seed/config
	// always produce identical output.
	Seed uint64
}

// Default returns Options with the engine's baked-in defaults.
func Default() Options {
	return Options{
		Alpha:                      0.5,
		CMem:                       4.0,
		RRoundsOverride:            0,
		PhaseBudget:                64,
		SamplingMode:               SamplingAdaptive,
		SamplingP:                  0.5,
		SamplingSafety:             0.5,
		SamplingEstimator:          EstimatorPeakHold,
		StallMode:                  StallHardThreshold,
		StallBase:                  4.0,
		MemorySoftFrac:             0.75,
		MemoryHardFrac:             0.90,
		MemoryBudgetBytes:          1 << 30, // 1 GiB, a conservative single-worker default
		FinishStrategy:             FinishGather,
		FinishSmallThresholdFactor: 0.1,
		TestMode:                   TestModeOff,
		Seed:                       1,
	}
}

// Option is a functional option over Options, resolved once, in
// order, into an immutable value.
type Option func(*Options)

// WithAlpha sets alpha, the exponent in S = c * n^alpha.
func WithAlpha(a float64) Option { return func(o *Options) { o.Alpha = a } }

// WithCMem sets c_mem, the constant factor in S = c * n^alpha.
func WithCMem(c float64) Option { return func(o *Options) { o.CMem = c } }

// WithRRoundsOverride forces a fixed ball-growth radius R, bypassing the
// oracle's derivation.
func WithRRoundsOverride(r int) Option { return func(o *Options) { o.RRoundsOverride = r } }

// WithPhaseBudget sets the hard cap on phases.
func WithPhaseBudget(n int) Option { return func(o *Options) { o.PhaseBudget = n } }

// WithSamplingMode selects fixed or adaptive sparsification.
func WithSamplingMode(m SamplingMode) Option { return func(o *Options) { o.SamplingMode = m } }

// WithSamplingP sets the fixed sampling probability (used only in fixed mode).
func WithSamplingP(p float64) Option { return func(o *Options) { o.SamplingP = p } }

// WithSamplingSafety sets the adaptive safety factor.
func WithSamplingSafety(s float64) Option { return func(o *Options) { o.SamplingSafety = s } }

// WithSamplingEstimator selects the ball-size estimator.
func WithSamplingEstimator(e Estimator) Option { return func(o *Options) { o.SamplingEstimator = e } }

// WithStallMode selects the staller's threshold policy.
func WithStallMode(m StallMode) Option { return func(o *Options) { o.StallMode = m } }

// WithStallBase sets the hard-threshold base.
func WithStallBase(b float64) Option { return func(o *Options) { o.StallBase = b } }

// WithMemoryFractions sets the Memory Guard's soft/hard RSS thresholds.
func WithMemoryFractions(soft, hard float64) Option {
	return func(o *Options) { o.MemorySoftFrac = soft; o.MemoryHardFrac = hard }
}

// WithMemoryBudgetBytes sets the per-worker RSS budget the Memory Guard
// measures resident set size against.
func WithMemoryBudgetBytes(n uint64) Option { return func(o *Options) { o.MemoryBudgetBytes = n } }

// WithFinishStrategy selects the Finisher's residual-matching policy.
func WithFinishStrategy(s FinishStrategy) Option { return func(o *Options) { o.FinishStrategy = s } }

// WithFinishSmallThresholdFactor sets the Finisher's trigger factor.
func WithFinishSmallThresholdFactor(f float64) Option {
	return func(o *Options) { o.FinishSmallThresholdFactor = f }
}

// WithTestMode toggles the expensive sampled correctness checks.
func WithTestMode(m TestMode) Option { return func(o *Options) { o.TestMode = m } }

// WithSeed sets the run's hash-keying seed.
func WithSeed(seed uint64) Option { return func(o *Options) { o.Seed = seed } }

// New resolves Options from Default() plus the given functional options,
// then validates the result.
func New(opts ...Option) (Options, error) {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks every constraint Options' own fields imply about
// each other (ranges, mutual ordering, required presence).
func (o Options) Validate() error {
	if o.Alpha <= 0 || o.Alpha >= 1 {
		return ErrBadAlpha
	}
	if o.CMem <= 0 {
		return ErrBadCMem
	}
	if o.PhaseBudget <= 0 {
		return ErrBadPhaseBudget
	}
	switch o.SamplingMode {
	case SamplingFixed, SamplingAdaptive:
	default:
		return fmt.Errorf("%w: %q", ErrBadSamplingMode, o.SamplingMode)
	}
	if o.SamplingMode == SamplingFixed && (o.SamplingP <= 0 || o.SamplingP > 1) {
		return ErrBadSamplingP
	}
	if o.SamplingSafety <= 0 || o.SamplingSafety > 1 {
		return ErrBadSamplingSafety
	}
	switch o.SamplingEstimator {
	case EstimatorLast, EstimatorPeakHold:
	default:
		return fmt.Errorf("%w: %q", ErrBadSamplingEstimator, o.SamplingEstimator)
	}
	switch o.StallMode {
	case StallHardThreshold, StallDynamic:
	default:
		return fmt.Errorf("%w: %q", ErrBadStallMode, o.StallMode)
	}
	if o.MemorySoftFrac <= 0 || o.MemoryHardFrac <= 0 ||
		o.MemorySoftFrac >= o.MemoryHardFrac || o.MemoryHardFrac >= 1 {
		return ErrBadMemoryFractions
	}
	if o.MemoryBudgetBytes == 0 {
		return ErrBadMemoryFractions
	}
	switch o.FinishStrategy {
	case FinishGather, FinishDistributed:
	default:
		return fmt.Errorf("%w: %q", ErrBadFinishStrategy, o.FinishStrategy)
	}
	if o.FinishSmallThresholdFactor <= 0 {
		return ErrBadFinishFactor
	}
	switch o.TestMode {
	case TestModeOff, TestModeOn:
	default:
		return fmt.Errorf("%w: %q", ErrBadTestMode, o.TestMode)
	}
	if o.Seed == 0 {
		return ErrBadSeed
	}
	return nil
}
