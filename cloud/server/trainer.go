package main

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/firewatch-iot/firewatch/pkg/models"
)

const (
	// maxSamples caps the trainer's in-memory sample window.
	maxSamples = 2000
	// minRealSamples is the number of real history rows below which a
	// retrain pads the window with synthetic bootstrap data.
	minRealSamples = 80
	// bootstrapCount is how many synthetic samples a padding pass adds.
	bootstrapCount = 200
	// minCorpus is the smallest window the anomaly check will trust.
	minCorpus = 30
)

// trainer is the opaque training collaborator behind the retrain
// endpoint: a per-metric z-score baseline over a bounded window of
// recent readings. Its verdicts feed structured warnings only; the
// wire status always comes from the threshold classifier.
type trainer struct {
	mu      sync.RWMutex
	samples []models.Reading

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newTrainer() *trainer {
	return &trainer{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Observe appends one accepted reading to the window, evicting the
// oldest sample once the cap is reached.
func (t *trainer) Observe(r models.Reading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, r)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[len(t.samples)-maxSamples:]
	}
}

// Train replaces the window with the given history rows, padding with
// synthetic bootstrap data when too few real rows exist, and reports
// the resulting sample count.
func (t *trainer) Train(items []models.ClassifiedReading) int {
	samples := make([]models.Reading, 0, len(items))
	for _, it := range items {
		samples = append(samples, it.Reading)
	}
	if len(samples) < minRealSamples {
		samples = append(samples, t.synthesize(bootstrapCount)...)
	}
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = samples
	return len(t.samples)
}

// Size returns the current window size.
func (t *trainer) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}

// Anomalous checks r against the trained baseline and returns the
// largest z-score across smoke and temperature together with whether it
// crosses the anomaly bar. With fewer than minCorpus samples the check
// abstains and reports false.
func (t *trainer) Anomalous(r models.Reading) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) < minCorpus {
		return 0, false
	}

	smokes := make([]float64, len(t.samples))
	temps := make([]float64, len(t.samples))
	for i, s := range t.samples {
		smokes[i] = float64(s.Smoke)
		temps[i] = s.Temperature
	}

	meanS, stdS := meanStd(smokes)
	meanT, stdT := meanStd(temps)

	zSmoke := (float64(r.Smoke) - meanS) / stdS
	zTemp := (r.Temperature - meanT) / stdT

	z := math.Max(zSmoke, zTemp)
	return z, z >= 3.0
}

// Bootstrap seeds the window with n synthetic samples. Used at startup
// so the anomaly check has a baseline before the first retrain.
func (t *trainer) Bootstrap(n int) {
	samples := t.synthesize(n)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = samples
}

// synthesize produces plausible nominal-condition samples: temperature
// around 30 °C, humidity around 55 %, smoke correlated with heat.
func (t *trainer) synthesize(n int) []models.Reading {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()

	out := make([]models.Reading, 0, n)
	for range n {
		temperature := t.rng.NormFloat64()*3 + 30
		humidity := t.rng.NormFloat64()*10 + 55
		humidity = math.Max(20, math.Min(90, humidity))

		smoke := t.rng.NormFloat64()*50 + 150
		smoke += (temperature - 30) * 8
		smoke = math.Max(20, smoke)

		out = append(out, models.Reading{
			Smoke:       int(smoke),
			Temperature: math.Round(temperature*10) / 10,
			Humidity:    math.Round(humidity*10) / 10,
		})
	}
	return out
}

// meanStd returns the mean and standard deviation of values. A zero or
// undefined deviation reads as 1 so z-scores stay finite.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 1
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var varSum float64
	for _, v := range values {
		varSum += (v - mean) * (v - mean)
	}
	variance := varSum / float64(len(values))
	if variance <= 0 {
		return mean, 1
	}
	return mean, math.Sqrt(variance)
}
