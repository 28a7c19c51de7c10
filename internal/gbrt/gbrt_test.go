package gbrt

import (
	"encoding/json"
	"math"
	"testing"
)

func stepData() ([][]float64, []float64) {
	var x [][]float64
	var y []float64
	for i := 0; i < 200; i++ {
		v := float64(i) / 200
		x = append(x, []float64{v, 0.5})
		if v > 0.5 {
			y = append(y, 5)
		} else {
			y = append(y, -5)
		}
	}
	return x, y
}

func latticeData() ([][]float64, []float64) {
	var x [][]float64
	var y []float64
	for i := 0; i < 400; i++ {
		a := float64(i%20) / 20
		b := float64(i/20) / 20
		x = append(x, []float64{a, b})
		y = append(y, 3*a-2*b)
	}
	return x, y
}

func TestFit_LearnsStepFunction(t *testing.T) {
	x, y := stepData()
	m, err := Fit(x, y, Options{Trees: 50, LearningRate: 0.3, MaxDepth: 2, MinLeaf: 5})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i, row := range x {
		got, err := m.Predict(row)
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if math.Abs(got-y[i]) > 0.05 {
			t.Fatalf("Predict(x0=%v) = %v, want %v", row[0], got, y[i])
		}
	}
}

func TestFit_LearnsAdditiveSurface(t *testing.T) {
	x, y := latticeData()
	m, err := Fit(x, y, Options{Trees: 150, LearningRate: 0.1, MaxDepth: 3, MinLeaf: 5})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	preds, err := m.PredictBatch(x)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	var mae float64
	for i := range y {
		mae += math.Abs(preds[i] - y[i])
	}
	mae /= float64(len(y))
	if mae > 0.3 {
		t.Errorf("in-sample MAE = %v, want < 0.3", mae)
	}
}

func TestFit_Deterministic(t *testing.T) {
	x, y := latticeData()
	opts := Options{Trees: 40, LearningRate: 0.1, MaxDepth: 3, MinLeaf: 5}

	a, err := Fit(x, y, opts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	b, err := Fit(x, y, opts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	predsA, err := a.PredictBatch(x)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	predsB, err := b.PredictBatch(x)
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	for i := range predsA {
		if predsA[i] != predsB[i] {
			t.Fatalf("prediction %d differs between identical fits: %v vs %v",
				i, predsA[i], predsB[i])
		}
	}
}

func TestModel_JSONRoundTrip(t *testing.T) {
	x, y := stepData()
	m, err := Fit(x, y, Options{Trees: 20, LearningRate: 0.2, MaxDepth: 2, MinLeaf: 5})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	blob, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var restored Model
	if err := json.Unmarshal(blob, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if restored.NumFeatures() != m.NumFeatures() {
		t.Errorf("NumFeatures = %d, want %d", restored.NumFeatures(), m.NumFeatures())
	}

	for _, row := range x {
		want, err := m.Predict(row)
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		got, err := restored.Predict(row)
		if err != nil {
			t.Fatalf("Predict restored: %v", err)
		}
		if got != want {
			t.Fatalf("restored Predict = %v, want %v", got, want)
		}
	}
}

func TestFit_Validation(t *testing.T) {
	x, y := stepData()
	good := Options{Trees: 5, LearningRate: 0.3, MaxDepth: 2, MinLeaf: 5}

	tests := []struct {
		name string
		x    [][]float64
		y    []float64
		opts Options
	}{
		{"no rows", nil, nil, good},
		{"length mismatch", x, y[:10], good},
		{"ragged rows", [][]float64{{1, 2}, {1}}, []float64{1, 2}, good},
		{"NaN feature", [][]float64{{1, math.NaN()}}, []float64{1}, good},
		{"NaN target", [][]float64{{1, 2}}, []float64{math.NaN()}, good},
		{"zero trees", x, y, Options{Trees: 0, LearningRate: 0.3, MaxDepth: 2, MinLeaf: 5}},
		{"bad learning rate", x, y, Options{Trees: 5, LearningRate: 1.5, MaxDepth: 2, MinLeaf: 5}},
		{"bad depth", x, y, Options{Trees: 5, LearningRate: 0.3, MaxDepth: 0, MinLeaf: 5}},
		{"bad min leaf", x, y, Options{Trees: 5, LearningRate: 0.3, MaxDepth: 2, MinLeaf: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Fit(tt.x, tt.y, tt.opts); err == nil {
				t.Errorf("Fit accepted %s, want error", tt.name)
			}
		})
	}
}

func TestPredict_WidthMismatch(t *testing.T) {
	x, y := stepData()
	m, err := Fit(x, y, Options{Trees: 5, LearningRate: 0.3, MaxDepth: 2, MinLeaf: 5})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if _, err := m.Predict([]float64{1}); err == nil {
		t.Error("narrow row accepted, want error")
	}
	if _, err := m.PredictBatch([][]float64{{1, 2, 3}}); err == nil {
		t.Error("wide row accepted, want error")
	}
}
