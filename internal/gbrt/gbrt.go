// Package gbrt implements gradient-boosted regression trees with squared
// loss: depth-limited greedy trees fit to the running residual, shrunk by a
// learning rate. Training is deterministic for a fixed configuration, so a
// persisted model reproduces its predictions exactly.
package gbrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

type Options struct {
	Trees        int     `json:"trees"`
	LearningRate float64 `json:"learning_rate"`
	MaxDepth     int     `json:"max_depth"`
	MinLeaf      int     `json:"min_leaf"`
}

func DefaultOptions() Options {
	return Options{Trees: 300, LearningRate: 0.05, MaxDepth: 4, MinLeaf: 20}
}

func (o Options) validate() error {
	if o.Trees <= 0 {
		return fmt.Errorf("gbrt: trees = %d, want > 0", o.Trees)
	}
	if o.LearningRate <= 0 || o.LearningRate > 1 {
		return fmt.Errorf("gbrt: learning rate = %v, want in (0, 1]", o.LearningRate)
	}
	if o.MaxDepth < 1 {
		return fmt.Errorf("gbrt: max depth = %d, want >= 1", o.MaxDepth)
	}
	if o.MinLeaf < 1 {
		return fmt.Errorf("gbrt: min leaf = %d, want >= 1", o.MinLeaf)
	}
	return nil
}

// node is one flat-array tree node. Feature -1 marks a leaf; leaf values
// already carry the learning rate.
type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

func (tr tree) predict(row []float64) float64 {
	i := 0
	for {
		n := tr.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Model is a fitted ensemble. It round-trips through JSON.
type Model struct {
	opts      Options
	nFeatures int
	base      float64
	trees     []tree
}

// Fit trains an ensemble on a NaN-free matrix x (rows of uniform width)
// against targets y.
func Fit(x [][]float64, y []float64, opts Options) (*Model, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(x) == 0 {
		return nil, errors.New("gbrt: no training rows")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("gbrt: %d rows for %d targets", len(x), len(y))
	}
	width := len(x[0])
	if width == 0 {
		return nil, errors.New("gbrt: zero-width rows")
	}
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("gbrt: row %d has %d values, want %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("gbrt: NaN at row %d column %d", i, j)
			}
		}
		if math.IsNaN(y[i]) {
			return nil, fmt.Errorf("gbrt: NaN target at row %d", i)
		}
	}

	m := &Model{
		opts:      opts,
		nFeatures: width,
		base:      stat.Mean(y, nil),
		trees:     make([]tree, 0, opts.Trees),
	}

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = m.base
	}
	grad := make([]float64, len(y))
	idxs := make([]int, len(y))

	for t := 0; t < opts.Trees; t++ {
		for i := range y {
			grad[i] = y[i] - pred[i]
			idxs[i] = i
		}
		b := &builder{x: x, grad: grad, opts: opts}
		b.build(idxs, 0)
		tr := tree{Nodes: b.nodes}
		m.trees = append(m.trees, tr)
		for i, row := range x {
			pred[i] += tr.predict(row)
		}
	}
	return m, nil
}

// NumFeatures is the row width the model was trained on.
func (m *Model) NumFeatures() int {
	return m.nFeatures
}

func (m *Model) Predict(row []float64) (float64, error) {
	if len(row) != m.nFeatures {
		return 0, fmt.Errorf("gbrt: row has %d values, model wants %d", len(row), m.nFeatures)
	}
	v := m.base
	for _, tr := range m.trees {
		v += tr.predict(row)
	}
	return v, nil
}

func (m *Model) PredictBatch(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		v, err := m.Predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

type builder struct {
	x     [][]float64
	grad  []float64
	opts  Options
	nodes []node
}

// build appends the subtree for idxs and returns its root index.
func (b *builder) build(idxs []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, node{Feature: -1})

	var sum, sumSq float64
	for _, i := range idxs {
		sum += b.grad[i]
		sumSq += b.grad[i] * b.grad[i]
	}
	n := float64(len(idxs))
	leafValue := b.opts.LearningRate * sum / n

	sse := sumSq - sum*sum/n
	if depth >= b.opts.MaxDepth || len(idxs) < 2*b.opts.MinLeaf || sse < 1e-12 {
		b.nodes[id].Value = leafValue
		return id
	}

	feat, thr, ok := b.bestSplit(idxs, sum)
	if !ok {
		b.nodes[id].Value = leafValue
		return id
	}

	var left, right []int
	for _, i := range idxs {
		if b.x[i][feat] < thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.nodes[id].Feature = feat
	b.nodes[id].Threshold = thr
	b.nodes[id].Left = b.build(left, depth+1)
	b.nodes[id].Right = b.build(right, depth+1)
	return id
}

// bestSplit scans every feature for the split maximizing variance
// reduction. Features and thresholds are visited in a fixed order and ties
// keep the earliest candidate, so the choice is deterministic.
func (b *builder) bestSplit(idxs []int, total float64) (int, float64, bool) {
	n := float64(len(idxs))
	baseScore := total * total / n

	bestGain := 0.0
	bestFeat, bestThr := -1, 0.0
	order := make([]int, len(idxs))

	for f := 0; f < len(b.x[idxs[0]]); f++ {
		copy(order, idxs)
		sort.Slice(order, func(i, j int) bool { return b.x[order[i]][f] < b.x[order[j]][f] })

		leftSum, leftN := 0.0, 0.0
		for k := 0; k < len(order)-1; k++ {
			leftSum += b.grad[order[k]]
			leftN++
			v, next := b.x[order[k]][f], b.x[order[k+1]][f]
			if v == next {
				continue
			}
			if int(leftN) < b.opts.MinLeaf || len(order)-k-1 < b.opts.MinLeaf {
				continue
			}
			rightSum := total - leftSum
			rightN := n - leftN
			gain := leftSum*leftSum/leftN + rightSum*rightSum/rightN - baseScore
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeat = f
				bestThr = v + (next-v)/2
			}
		}
	}
	return bestFeat, bestThr, bestFeat >= 0
}

type modelState struct {
	Options   Options `json:"options"`
	NFeatures int     `json:"n_features"`
	Base      float64 `json:"base"`
	Trees     []tree  `json:"trees"`
}

func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(modelState{
		Options:   m.opts,
		NFeatures: m.nFeatures,
		Base:      m.base,
		Trees:     m.trees,
	})
}

func (m *Model) UnmarshalJSON(data []byte) error {
	var s modelState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.NFeatures <= 0 {
		return fmt.Errorf("gbrt: artifact has %d features", s.NFeatures)
	}
	m.opts = s.Options
	m.nFeatures = s.NFeatures
	m.base = s.Base
	m.trees = s.Trees
	return nil
}
