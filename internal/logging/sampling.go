package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples each configured level below Error with its own
// budget. Levels without a budget, and Error and above, pass unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	budgets := make(map[zapcore.Level]LevelBudget, len(cfg.Levels))
	for name, b := range cfg.Levels {
		lvl, err := ParseLevel(name)
		if err != nil || lvl >= zapcore.ErrorLevel {
			continue
		}
		budgets[lvl] = b
	}

	cores := make([]zapcore.Core, 0, len(budgets)+1)
	for lvl, b := range budgets {
		only := &levelFilterCore{Core: core, min: lvl, max: lvl}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick, b.Initial, b.Thereafter))
	}
	cores = append(cores, &levelFilterCore{Core: core, min: TraceLevel, max: zapcore.FatalLevel, skip: budgets})
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes entries with min <= level <= max that are not in
// skip.
type levelFilterCore struct {
	zapcore.Core
	min, max zapcore.Level
	skip     map[zapcore.Level]LevelBudget
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if lvl < c.min || lvl > c.max {
		return false
	}
	if _, sampled := c.skip[lvl]; sampled {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, max: c.max, skip: c.skip}
}
