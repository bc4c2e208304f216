package config

import (
	"meterengine/internal/charge"
	"meterengine/internal/meter"
	"meterengine/internal/r3r"
	"meterengine/internal/tatracker"
)

// ToMeterClassifierConfig converts the viper-bound threshold vector into
// the decoupled meter.ClassifierConfig the classifier is actually
// constructed from.
func (c ClassifierConfig) ToMeterClassifierConfig() meter.ClassifierConfig {
	return meter.ClassifierConfig{
		WindowSize:                  c.WindowSize,
		SampleRateHz:                c.SampleRateHz,
		StuckVarianceThreshold:      c.StuckVarianceThreshold,
		FallSlopeThreshold:          c.FallSlopeThreshold,
		RiseSlopeThreshold:          c.RiseSlopeThreshold,
		SpeededFallSlopeThreshold:   c.SpeededFallSlopeThreshold,
		LongFallDurationSeconds:     c.LongFallDurationSeconds,
		BlowdownDurationSeconds:     c.BlowdownDurationSeconds,
		RockSlamAmplitudeThreshold:  c.RockSlamAmplitudeThreshold,
		RockSlamZeroCrossings:       c.RockSlamZeroCrossings,
		FloatingAmplitudeThreshold:  c.FloatingAmplitudeThreshold,
		FloatingBandLowHz:           c.FloatingBandLowHz,
		FloatingBandHighHz:          c.FloatingBandHighHz,
		FloatingBandPowerRatio:      c.FloatingBandPowerRatio,
		FloatingZeroCrossings:       c.FloatingZeroCrossings,
		FloatingPeakToMeanOutside:   c.FloatingPeakToMeanOutside,
		FloatingConfidence:          c.FloatingConfidence,
		ThetaAmplitudeThreshold:     c.ThetaAmplitudeThreshold,
		ThetaBandLowHz:              c.ThetaBandLowHz,
		ThetaBandHighHz:             c.ThetaBandHighHz,
		ThetaPeriodicityThreshold:   c.ThetaPeriodicityThreshold,
		ThetaBandPowerRatio:         c.ThetaBandPowerRatio,
		StageFourAmplitudeThreshold: c.StageFourAmplitudeThreshold,
		StageFourBandLowHz:          c.StageFourBandLowHz,
		StageFourBandHighHz:         c.StageFourBandHighHz,
		StageFourPeriodicityThresh:  c.StageFourPeriodicityThresh,
		StageFourBandPowerRatio:     c.StageFourBandPowerRatio,
		DirtyVarianceThreshold:      c.DirtyVarianceThreshold,
		DirtyPeriodicityThreshold:   c.DirtyPeriodicityThreshold,
		FreeNeedleConfidence:        c.FreeNeedleConfidence,
	}
}

// ToTrackerConfig converts the viper-bound tone-arm settings into
// tatracker.Config.
func (c TATrackerConfig) ToTrackerConfig() tatracker.Config {
	return tatracker.Config{
		MaxHistory:          c.MaxHistory,
		NoiseThreshold:      c.NoiseThreshold,
		TrendWindowSeconds:  c.TrendWindowSeconds,
		TrendMinReadings:    c.TrendMinReadings,
		TrendMinSpanSeconds: c.TrendMinSpanSeconds,
		RisingSlope:         c.RisingSlope,
		FallingSlope:        c.FallingSlope,
		SessionMinTA:        c.SessionMinTA,
		SessionMaxTA:        c.SessionMaxTA,
		MovingStdThreshold:  c.MovingStdThreshold,
	}
}

// ToTrackerConfig converts the viper-bound charge settings into
// charge.Config. BufferSize has no counterpart on charge.Tracker, whose
// raw-sample ring has the fixed capacity sampleBufferCapacity (1000).
func (c ChargeConfig) ToTrackerConfig() charge.Config {
	return charge.Config{
		BaselineWindowSeconds: c.BaselineWindowSeconds,
		ReactionWindowMS:      c.ReactionWindowMS,
		BodyMovementThreshold: c.BodyMovementThreshold,
		BodyMovementDecayMS:   c.BodyMovementDecayMS,
		MinSamplesForAnalysis: c.MinSamplesForAnalysis,
		HistoryLimit:          c.HistorySize,
	}
}

// flowKeyByLabel maps the config file's flow keys ("flow1", "flow2",
// "flow3") to r3r.Flow, since viper can only key a map by string.
var flowKeyByLabel = map[string]r3r.Flow{
	"flow1": r3r.Flow1,
	"flow2": r3r.Flow2,
	"flow3": r3r.Flow3,
}

// ToFlowLabels converts config.R3RConfig.FlowLabels' string keys
// ("flow1"/"flow2"/"flow3") into r3r.Flow keys. Unrecognized keys are
// skipped rather than erroring, so a typo in one override doesn't take
// down the whole machine.
func (c R3RConfig) ToFlowLabels() map[r3r.Flow]string {
	if len(c.FlowLabels) == 0 {
		return nil
	}
	out := make(map[r3r.Flow]string, len(c.FlowLabels))
	for k, v := range c.FlowLabels {
		if flow, ok := flowKeyByLabel[k]; ok {
			out[flow] = v
		}
	}
	return out
}

// ToCommands converts config.R3RConfig.Commands' string keys (the
// State constants' string values, e.g. "LOCATE_INCIDENT") into
// r3r.State keys.
func (c R3RConfig) ToCommands() map[r3r.State]string {
	if len(c.Commands) == 0 {
		return nil
	}
	out := make(map[r3r.State]string, len(c.Commands))
	for k, v := range c.Commands {
		out[r3r.State(k)] = v
	}
	return out
}
