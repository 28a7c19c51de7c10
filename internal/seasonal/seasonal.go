// Package seasonal fits the per-location temperature baseline: a linear
// trend plus Fourier harmonics of the annual cycle, with an autoregressive
// correction on whatever the harmonic fit leaves behind. The residual
// corrector downstream is trained against this model's in-sample fit.
package seasonal

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	yearDays   = 365.25
	dateLayout = "2006-01-02"
)

type Options struct {
	// Harmonics is the number of annual Fourier pairs.
	Harmonics int
	// AROrder is the autoregressive order applied to the harmonic
	// residuals. Zero disables the correction.
	AROrder int
}

func DefaultOptions() Options {
	return Options{Harmonics: 3, AROrder: 3}
}

// Model is a fitted baseline. It round-trips through JSON; in-sample fitted
// values are not part of the artifact and are only available on a model
// freshly returned by Fit.
type Model struct {
	opts     Options
	beta     []float64
	phi      []float64
	tail     []float64
	n        int
	trainEnd time.Time
	fitted   []float64
}

// Prediction is one forecast step.
type Prediction struct {
	Date  time.Time
	Value float64
}

// Fit estimates the baseline on a clean daily series as produced by
// PrepareSeries. Values must be NaN-free and dates consecutive days.
func Fit(dates []time.Time, values []float64, opts Options) (*Model, error) {
	if opts.Harmonics < 0 || opts.AROrder < 0 {
		return nil, fmt.Errorf("seasonal: invalid options %+v", opts)
	}
	if len(dates) != len(values) {
		return nil, fmt.Errorf("seasonal: %d dates for %d values", len(dates), len(values))
	}
	cols := 2 + 2*opts.Harmonics
	if min := cols + opts.AROrder + 1; len(values) < min {
		return nil, fmt.Errorf("seasonal: need at least %d points, got %d", min, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("seasonal: value for %s is NaN", dates[i].Format(dateLayout))
		}
	}

	n := len(values)
	x := mat.NewDense(n, cols, nil)
	for i := range values {
		x.SetRow(i, designRow(opts.Harmonics, i, dates[i]))
	}
	y := mat.NewVecDense(n, values)

	var qr mat.QR
	qr.Factorize(x)
	beta := mat.NewVecDense(cols, nil)
	if err := qr.SolveVecTo(beta, false, y); err != nil {
		if _, soft := err.(mat.Condition); !soft {
			return nil, fmt.Errorf("seasonal: least squares failed: %w", err)
		}
	}

	m := &Model{
		opts:     opts,
		beta:     append([]float64(nil), beta.RawVector().Data...),
		n:        n,
		trainEnd: dates[n-1],
	}

	det := make([]float64, n)
	resid := make([]float64, n)
	for i := range values {
		det[i] = m.deterministic(i, dates[i])
		resid[i] = values[i] - det[i]
	}
	m.phi = fitAR(resid, opts.AROrder)

	fitted := make([]float64, n)
	for i := range fitted {
		fitted[i] = det[i]
		if i >= opts.AROrder {
			for j, p := range m.phi {
				fitted[i] += p * resid[i-1-j]
			}
		}
	}
	m.fitted = fitted

	if opts.AROrder > 0 {
		m.tail = append([]float64(nil), resid[n-opts.AROrder:]...)
	}
	return m, nil
}

// Fitted returns in-sample one-step predictions aligned with the training
// dates, or nil on a model restored from JSON.
func (m *Model) Fitted() []float64 {
	return m.fitted
}

// TrainEnd is the last date of the training series. Forecast steps count
// forward from it.
func (m *Model) TrainEnd() time.Time {
	return m.trainEnd
}

// Forecast extends the baseline the given number of days past TrainEnd.
// The autoregressive part is recursed on its own predictions, so it decays
// toward the deterministic curve over the horizon.
func (m *Model) Forecast(steps int) ([]Prediction, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("seasonal: forecast steps %d, want > 0", steps)
	}
	if len(m.beta) == 0 {
		return nil, errors.New("seasonal: model not fitted")
	}

	state := append([]float64(nil), m.tail...)
	out := make([]Prediction, steps)
	for s := 1; s <= steps; s++ {
		var ar float64
		for j, p := range m.phi {
			if idx := len(state) - 1 - j; idx >= 0 {
				ar += p * state[idx]
			}
		}
		date := m.trainEnd.AddDate(0, 0, s)
		out[s-1] = Prediction{Date: date, Value: m.deterministic(m.n-1+s, date) + ar}
		state = append(state, ar)
	}
	return out, nil
}

func (m *Model) deterministic(t int, date time.Time) float64 {
	row := designRow(m.opts.Harmonics, t, date)
	var v float64
	for i, b := range m.beta {
		v += b * row[i]
	}
	return v
}

func designRow(harmonics, t int, date time.Time) []float64 {
	row := make([]float64, 2+2*harmonics)
	row[0] = 1
	row[1] = float64(t)
	angle := 2 * math.Pi * float64(date.YearDay()) / yearDays
	for k := 1; k <= harmonics; k++ {
		row[2*k] = math.Sin(float64(k) * angle)
		row[2*k+1] = math.Cos(float64(k) * angle)
	}
	return row
}

// fitAR solves the Yule-Walker equations with the Levinson-Durbin
// recursion. Coefficients come back lag-1 first. A degenerate or unstable
// series yields all zeros, degrading the model to its deterministic part.
func fitAR(series []float64, p int) []float64 {
	phi := make([]float64, p)
	if p == 0 || len(series) <= p {
		return phi
	}

	n := len(series)
	mean := stat.Mean(series, nil)
	c := make([]float64, p+1)
	for k := 0; k <= p; k++ {
		for i := 0; i < n-k; i++ {
			c[k] += (series[i] - mean) * (series[i+k] - mean)
		}
		c[k] /= float64(n)
	}
	if c[0] < 1e-12 {
		return phi
	}

	prev := make([]float64, p+1)
	cur := make([]float64, p+1)
	v := c[0]
	for k := 1; k <= p; k++ {
		num := c[k]
		for j := 1; j < k; j++ {
			num -= prev[j] * c[k-j]
		}
		ref := num / v
		cur[k] = ref
		for j := 1; j < k; j++ {
			cur[j] = prev[j] - ref*prev[k-j]
		}
		v *= 1 - ref*ref
		if v <= 0 {
			return make([]float64, p)
		}
		copy(prev, cur)
	}
	copy(phi, prev[1:])
	return phi
}

type modelState struct {
	Harmonics int       `json:"harmonics"`
	AROrder   int       `json:"ar_order"`
	Beta      []float64 `json:"beta"`
	Phi       []float64 `json:"phi"`
	Tail      []float64 `json:"tail"`
	N         int       `json:"n"`
	TrainEnd  string    `json:"train_end"`
}

func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(modelState{
		Harmonics: m.opts.Harmonics,
		AROrder:   m.opts.AROrder,
		Beta:      m.beta,
		Phi:       m.phi,
		Tail:      m.tail,
		N:         m.n,
		TrainEnd:  m.trainEnd.Format(dateLayout),
	})
}

func (m *Model) UnmarshalJSON(data []byte) error {
	var s modelState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	end, err := time.Parse(dateLayout, s.TrainEnd)
	if err != nil {
		return fmt.Errorf("seasonal: bad train_end %q: %w", s.TrainEnd, err)
	}
	if len(s.Beta) != 2+2*s.Harmonics {
		return fmt.Errorf("seasonal: %d coefficients for %d harmonics", len(s.Beta), s.Harmonics)
	}
	m.opts = Options{Harmonics: s.Harmonics, AROrder: s.AROrder}
	m.beta = s.Beta
	m.phi = s.Phi
	m.tail = s.Tail
	m.n = s.N
	m.trainEnd = end
	m.fitted = nil
	return nil
}
