package meter

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ClassifierConfig mirrors config.ClassifierConfig's threshold vector,
// decoupled from the config package so the classifier can be constructed
// and perturbed independently in tests.
type ClassifierConfig struct {
	WindowSize int
	SampleRateHz float64

	StuckVarianceThreshold    float64
	FallSlopeThreshold        float64
	RiseSlopeThreshold        float64
	SpeededFallSlopeThreshold float64
	LongFallDurationSeconds   float64
	BlowdownDurationSeconds   float64

	RockSlamAmplitudeThreshold float64
	RockSlamZeroCrossings      int

	FloatingAmplitudeThreshold float64
	FloatingBandLowHz          float64
	FloatingBandHighHz         float64
	FloatingBandPowerRatio     float64
	FloatingZeroCrossings      int
	FloatingPeakToMeanOutside  float64
	FloatingConfidence         float64

	ThetaAmplitudeThreshold   float64
	ThetaBandLowHz            float64
	ThetaBandHighHz           float64
	ThetaPeriodicityThreshold float64
	ThetaBandPowerRatio       float64

	StageFourAmplitudeThreshold float64
	StageFourBandLowHz          float64
	StageFourBandHighHz         float64
	StageFourPeriodicityThresh  float64
	StageFourBandPowerRatio     float64

	DirtyVarianceThreshold    float64
	DirtyPeriodicityThreshold float64

	FreeNeedleConfidence float64
}

// DefaultClassifierConfig returns the default threshold vector.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		WindowSize:                  200,
		SampleRateHz:                100,
		StuckVarianceThreshold:      5e-4,
		FallSlopeThreshold:          -1e-3,
		RiseSlopeThreshold:          1e-3,
		SpeededFallSlopeThreshold:   -5e-3,
		LongFallDurationSeconds:     0.5,
		BlowdownDurationSeconds:     2.0,
		RockSlamAmplitudeThreshold:  0.3,
		RockSlamZeroCrossings:       6,
		FloatingAmplitudeThreshold:  0.05,
		FloatingBandLowHz:           0.15,
		FloatingBandHighHz:          0.6,
		FloatingBandPowerRatio:      0.25,
		FloatingZeroCrossings:       2,
		FloatingPeakToMeanOutside:   3.0,
		FloatingConfidence:          0.85,
		ThetaAmplitudeThreshold:     0.03,
		ThetaBandLowHz:              4.5,
		ThetaBandHighHz:             11.0,
		ThetaPeriodicityThreshold:   3.0,
		ThetaBandPowerRatio:         0.2,
		StageFourAmplitudeThreshold: 0.05,
		StageFourBandLowHz:          0.8,
		StageFourBandHighHz:         1.5,
		StageFourPeriodicityThresh:  3.0,
		StageFourBandPowerRatio:     0.2,
		DirtyVarianceThreshold:      0.01,
		DirtyPeriodicityThreshold:   2.0,
		FreeNeedleConfidence:        0.5,
	}
}

// Classifier assigns a NeedleAction and confidence to a window of
// conditioned samples via a priority cascade of variance/slope/FFT-band
// tests. Grounded on needle_classifier.py's NeedleClassifier; the real FFT
// is computed with gonum.org/v1/gonum/dsp/fourier (grounded on
// other_examples/manifests/madpsy-ka9q_ubersdr/go.mod — see DESIGN.md).
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier constructs a Classifier from cfg.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// spectrum holds the band-resolved FFT output for one window.
type spectrum struct {
	freqs []float64 // Hz, length n/2+1
	power []float64 // |X_k|^2, length n/2+1
}

// Classify returns the needle action and confidence for window, which must
// hold at least cfg.WindowSize samples (the most recent cfg.WindowSize are
// used). Fewer samples than WindowSize returns (idle, 0).
func (c *Classifier) Classify(window []float64) (NeedleAction, float64) {
	if len(window) < c.cfg.WindowSize {
		return NeedleIdle, 0.0
	}
	w := window[len(window)-c.cfg.WindowSize:]

	variance := varianceOf(w)
	amplitude := maxOf(w) - minOf(w)
	spec := c.fft(w)
	slope := leastSquaresSlope(w)
	zeroCrossings := countZeroCrossings(w)

	if c.isRockSlam(amplitude, zeroCrossings) {
		conf := math.Min(1.0, amplitude/0.5)
		return NeedleRockSlam, conf
	}

	if variance < c.cfg.StuckVarianceThreshold {
		conf := 1.0 - (variance / c.cfg.StuckVarianceThreshold)
		return NeedleStuck, conf
	}

	if slope < c.cfg.FallSlopeThreshold {
		action := c.classifyFall(w, slope)
		conf := math.Min(1.0, math.Abs(slope)/0.01)
		return action, conf
	}

	if slope > c.cfg.RiseSlopeThreshold {
		conf := math.Min(1.0, slope/0.01)
		return NeedleRise, conf
	}

	if c.isFloating(spec, zeroCrossings, amplitude) {
		return NeedleFloating, c.cfg.FloatingConfidence
	}

	if amplitude > c.cfg.ThetaAmplitudeThreshold {
		periodicity := periodicity(spec, c.cfg.ThetaBandLowHz, c.cfg.ThetaBandHighHz)
		bandRatio := bandPowerRatio(spec, c.cfg.ThetaBandLowHz, c.cfg.ThetaBandHighHz)
		if periodicity > c.cfg.ThetaPeriodicityThreshold && bandRatio > c.cfg.ThetaBandPowerRatio {
			conf := math.Min(1.0, periodicity/5.0)
			return NeedleThetaBlink, conf
		}
	}

	if amplitude > c.cfg.StageFourAmplitudeThreshold {
		periodicity := periodicity(spec, c.cfg.StageFourBandLowHz, c.cfg.StageFourBandHighHz)
		bandRatio := bandPowerRatio(spec, c.cfg.StageFourBandLowHz, c.cfg.StageFourBandHighHz)
		if periodicity > c.cfg.StageFourPeriodicityThresh && bandRatio > c.cfg.StageFourBandPowerRatio {
			conf := math.Min(1.0, periodicity/5.0)
			return NeedleStageFour, conf
		}
	}

	if c.isDirty(variance, spec) {
		return NeedleDirtyNeedle, 0.6
	}

	return NeedleFreeNeedle, c.cfg.FreeNeedleConfidence
}

func (c *Classifier) fft(window []float64) spectrum {
	n := len(window)
	mean := meanOf(window)
	centered := make([]float64, n)
	for i, v := range window {
		centered[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)

	freqs := make([]float64, len(coeffs))
	power := make([]float64, len(coeffs))
	for i, cv := range coeffs {
		freqs[i] = fft.Freq(i) * c.cfg.SampleRateHz
		power[i] = real(cv)*real(cv) + imag(cv)*imag(cv)
	}
	return spectrum{freqs: freqs, power: power}
}

func (c *Classifier) isRockSlam(amplitude float64, zeroCrossings int) bool {
	if amplitude <= c.cfg.RockSlamAmplitudeThreshold {
		return false
	}
	return zeroCrossings >= c.cfg.RockSlamZeroCrossings
}

func (c *Classifier) classifyFall(window []float64, slope float64) NeedleAction {
	duration := longestNegativeRunSeconds(window, c.cfg.SampleRateHz)
	switch {
	case duration > c.cfg.BlowdownDurationSeconds:
		return NeedleLongFallBlowdown
	case duration > c.cfg.LongFallDurationSeconds:
		return NeedleLongFall
	case slope < c.cfg.SpeededFallSlopeThreshold:
		return NeedleSpeededFall
	default:
		return NeedleFall
	}
}

func (c *Classifier) isFloating(spec spectrum, zeroCrossings int, amplitude float64) bool {
	if amplitude < c.cfg.FloatingAmplitudeThreshold {
		return false
	}

	inBand, outBand, anyInBand := splitBand(spec, c.cfg.FloatingBandLowHz, c.cfg.FloatingBandHighHz)
	if !anyInBand {
		return false
	}

	total := sumExcludingDC(spec.power)
	if total < 1e-10 {
		return false
	}

	bandRatio := sumOf(inBand) / total
	if bandRatio < c.cfg.FloatingBandPowerRatio {
		return false
	}

	if zeroCrossings < c.cfg.FloatingZeroCrossings {
		return false
	}

	peakInBand := maxOf(inBand)
	if len(outBand) > 0 {
		meanOutside := meanOf(outBand)
		if meanOutside > 0 && peakInBand/meanOutside < c.cfg.FloatingPeakToMeanOutside {
			return false
		}
	}

	return true
}

func (c *Classifier) isDirty(variance float64, spec spectrum) bool {
	if variance <= c.cfg.DirtyVarianceThreshold {
		return false
	}
	powerNoDC := spec.power[1:]
	total := sumOf(powerNoDC)
	if total < 1e-10 {
		return false
	}
	peak := maxOf(powerNoDC)
	periodicity := peak / (total / float64(len(powerNoDC)))
	return periodicity < c.cfg.DirtyPeriodicityThreshold
}

// --- shared numeric helpers ---

func bandPowerRatio(spec spectrum, lowHz, highHz float64) float64 {
	inBand, _, any := splitBand(spec, lowHz, highHz)
	if !any {
		return 0
	}
	total := sumExcludingDC(spec.power)
	if total < 1e-10 {
		return 0
	}
	return sumOf(inBand) / total
}

func periodicity(spec spectrum, lowHz, highHz float64) float64 {
	inBand, _, any := splitBand(spec, lowHz, highHz)
	if !any || len(inBand) == 0 {
		return 0
	}
	mean := meanOf(inBand)
	if mean < 1e-10 {
		return 0
	}
	return maxOf(inBand) / mean
}

// splitBand returns (power values within [lowHz,highHz], power values
// outside that band excluding the DC bin, whether any bin fell in-band).
func splitBand(spec spectrum, lowHz, highHz float64) ([]float64, []float64, bool) {
	var inBand, outBand []float64
	any := false
	for i, f := range spec.freqs {
		if f >= lowHz && f <= highHz {
			inBand = append(inBand, spec.power[i])
			any = true
		} else if i > 0 {
			outBand = append(outBand, spec.power[i])
		}
	}
	return inBand, outBand, any
}

func sumExcludingDC(power []float64) float64 {
	if len(power) == 0 {
		return 0
	}
	return sumOf(power[1:])
}

func varianceOf(xs []float64) float64 {
	mean := meanOf(xs)
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sumOf(xs) / float64(len(xs))
}

func sumOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// leastSquaresSlope fits y = a + b*i over i=0..n-1 and returns b (per-sample
// slope), matching needle_classifier.py's np.polyfit(..., 1)[0].
func leastSquaresSlope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// countZeroCrossings counts sign changes of the mean-centered window.
func countZeroCrossings(xs []float64) int {
	mean := meanOf(xs)
	count := 0
	prevSign := 0
	for _, x := range xs {
		d := x - mean
		sign := 0
		switch {
		case d > 0:
			sign = 1
		case d < 0:
			sign = -1
		}
		if sign != 0 && prevSign != 0 && sign != prevSign {
			count++
		}
		if sign != 0 {
			prevSign = sign
		}
	}
	return count
}

// longestNegativeRunSeconds finds the longest run of consecutive negative
// first differences and converts its sample count to seconds.
func longestNegativeRunSeconds(xs []float64, sampleRateHz float64) float64 {
	maxRun, run := 0, 0
	for i := 1; i < len(xs); i++ {
		if xs[i]-xs[i-1] < 0 {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	return float64(maxRun) / sampleRateHz
}
