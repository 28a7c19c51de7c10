package hybrid

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avelar/meteocast/internal/features"
	"github.com/avelar/meteocast/internal/gbrt"
	"github.com/avelar/meteocast/internal/seasonal"
	"github.com/avelar/meteocast/internal/store"
)

// Mode selects the training regime and with it the artifact pair a
// forecast loads.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeMonthly Mode = "monthly"
)

func (m Mode) valid() bool {
	return m == ModeNormal || m == ModeMonthly
}

func (m Mode) suffix() string {
	if m == ModeMonthly {
		return "_monthly"
	}
	return ""
}

const correctorBase = "corrector_multilocation"

func seasonalArtifact(location string, mode Mode) string {
	var b strings.Builder
	for _, r := range location {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String() + mode.suffix()
}

func correctorArtifact(mode Mode) string {
	return correctorBase + mode.suffix()
}

func saveSeasonal(arts *store.ArtifactStore, location string, mode Mode, m *seasonal.Model) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode seasonal model for %s: %w", location, err)
	}
	return arts.Save(seasonalArtifact(location, mode), blob)
}

func loadSeasonal(arts *store.ArtifactStore, location string, mode Mode) (*seasonal.Model, error) {
	blob, err := arts.Load(seasonalArtifact(location, mode))
	if err != nil {
		return nil, fmt.Errorf("load seasonal model for %s (%s): %w", location, mode, err)
	}
	var m seasonal.Model
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode seasonal model for %s: %w", location, err)
	}
	return &m, nil
}

// Corrector couples the boosted ensemble with the exact ordered feature
// names it was trained on. Prediction refuses any matrix that cannot
// satisfy that order; extra columns are ignored.
type Corrector struct {
	Model    *gbrt.Model `json:"model"`
	Features []string    `json:"features"`
}

func (c *Corrector) columnIndexes(m *features.Matrix) ([]int, error) {
	cols := make([]int, len(c.Features))
	var missing []string
	for i, name := range c.Features {
		idx, ok := m.Index(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[i] = idx
	}
	if len(missing) > 0 {
		return nil, &FeatureContractError{Missing: missing}
	}
	return cols, nil
}

// Predict estimates the residual for every row of the matrix.
func (c *Corrector) Predict(m *features.Matrix) ([]float64, error) {
	cols, err := c.columnIndexes(m)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(m.Rows))
	vec := make([]float64, len(cols))
	for i, row := range m.Rows {
		for j, idx := range cols {
			vec[j] = row.Values[idx]
		}
		v, err := c.Model.Predict(vec)
		if err != nil {
			return nil, fmt.Errorf("corrector row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// PredictAt estimates the residual for row i alone.
func (c *Corrector) PredictAt(m *features.Matrix, i int) (float64, error) {
	if i < 0 || i >= len(m.Rows) {
		return 0, fmt.Errorf("corrector row %d out of range (%d rows)", i, len(m.Rows))
	}
	cols, err := c.columnIndexes(m)
	if err != nil {
		return 0, err
	}
	vec := make([]float64, len(cols))
	for j, idx := range cols {
		vec[j] = m.Rows[i].Values[idx]
	}
	return c.Model.Predict(vec)
}

func saveCorrector(arts *store.ArtifactStore, mode Mode, c *Corrector) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode corrector: %w", err)
	}
	return arts.Save(correctorArtifact(mode), blob)
}

func loadCorrector(arts *store.ArtifactStore, mode Mode) (*Corrector, error) {
	blob, err := arts.Load(correctorArtifact(mode))
	if err != nil {
		return nil, fmt.Errorf("load corrector (%s): %w", mode, err)
	}
	var c Corrector
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("decode corrector: %w", err)
	}
	if c.Model == nil || len(c.Features) == 0 {
		return nil, fmt.Errorf("corrector artifact %s is incomplete", correctorArtifact(mode))
	}
	return &c, nil
}
