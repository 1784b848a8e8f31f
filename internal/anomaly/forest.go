package anomaly

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// eulerGamma is the Euler–Mascheroni constant used by the harmonic estimate
const eulerGamma = 0.5772156649015329

// ForestConfig controls ensemble construction
type ForestConfig struct {
	Trees      int   // number of partition trees
	SampleSize int   // points drawn (without replacement) per tree
	Seed       int64 // RNG seed; identical snapshots give identical forests
}

// DefaultForestConfig mirrors the usual isolation forest defaults
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:      100,
		SampleSize: 256,
		Seed:       42,
	}
}

// node is one arena slot. Leaves have left == right == -1.
type node struct {
	feature int
	split   float64
	left    int
	right   int
	size    int
}

// tree is an arena of nodes; the root is always index 0
type tree struct {
	nodes []node
}

// Forest is an ensemble of random partition trees.
//
// Lifecycle: NewForest -> Train(snapshot) once -> Score many times -> Reset to
// invalidate. Scoring takes the read lock, training takes the write lock and is
// a no-op once the forest is trained.
//
// Scores are calibrated against the training snapshot: a point's score is the
// fraction of training points that isolate more slowly than it does, so a
// typical point scores near 0.5 and a point more isolated than every training
// point scores 1.
type Forest struct {
	mu         sync.RWMutex
	cfg        ForestConfig
	trees      []tree
	sampleSize int
	baseline   []float64 // sorted raw scores of the training snapshot
	trained    bool
}

// NewForest creates an untrained forest
func NewForest(cfg ForestConfig) *Forest {
	def := DefaultForestConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	return &Forest{cfg: cfg}
}

// IsTrained reports whether the forest can score points
func (f *Forest) IsTrained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

// Train builds the ensemble from a snapshot of feature vectors. It returns
// false without touching the forest when it is already trained or the
// snapshot is empty, so concurrent callers train at most once.
func (f *Forest) Train(snapshot [][]float64) bool {
	if len(snapshot) == 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.trained {
		return false
	}

	rng := rand.New(rand.NewSource(f.cfg.Seed))
	psi := min(f.cfg.SampleSize, len(snapshot))
	depthLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	trees := make([]tree, f.cfg.Trees)
	for i := range trees {
		sample := rng.Perm(len(snapshot))[:psi]
		b := &builder{data: snapshot, rng: rng, limit: depthLimit}
		b.build(sample, 0)
		trees[i] = tree{nodes: b.nodes}
	}

	f.trees = trees
	f.sampleSize = psi

	baseline := make([]float64, len(snapshot))
	for i, p := range snapshot {
		baseline[i] = f.rawScore(p)
	}
	sort.Float64s(baseline)
	f.baseline = baseline

	f.trained = true
	return true
}

// Reset discards the ensemble so the next Train rebuilds it
func (f *Forest) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = nil
	f.sampleSize = 0
	f.baseline = nil
	f.trained = false
}

// Score returns the calibrated anomaly score of one point in [0,1]; higher is
// more anomalous. ok is false when untrained.
func (f *Forest) Score(point []float64) (score float64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return 0, false
	}
	return f.score(point), true
}

// IsolationScore returns the uncalibrated score 2^(-E[h]/c(psi)) in (0,1]
func (f *Forest) IsolationScore(point []float64) (score float64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return 0, false
	}
	return f.rawScore(point), true
}

// ScoreAll scores points against a single consistent view of the ensemble
func (f *Forest) ScoreAll(points [][]float64) ([]float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, false
	}
	scores := make([]float64, len(points))
	for i, p := range points {
		scores[i] = f.score(p)
	}
	return scores, true
}

// score must be called with the read lock held
func (f *Forest) score(point []float64) float64 {
	raw := f.rawScore(point)
	below := sort.SearchFloat64s(f.baseline, raw)
	return float64(below) / float64(len(f.baseline))
}

func (f *Forest) rawScore(point []float64) float64 {
	var total float64
	for i := range f.trees {
		total += f.trees[i].pathLength(point)
	}
	mean := total / float64(len(f.trees))

	norm := averagePathLength(f.sampleSize)
	if norm == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/norm)
}

// pathLength walks from the root to the isolating leaf. Leaves that still hold
// several training points add the expected depth of the remaining subtree.
func (t *tree) pathLength(point []float64) float64 {
	idx, depth := 0, 0
	for {
		n := t.nodes[idx]
		if n.left < 0 {
			return float64(depth) + averagePathLength(n.size)
		}
		if point[n.feature] < n.split {
			idx = n.left
		} else {
			idx = n.right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a binary
// search tree with n points
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// ========== Tree Construction ==========

type builder struct {
	data  [][]float64
	rng   *rand.Rand
	limit int
	nodes []node
}

// build appends the subtree for the given sample rows and returns its handle
func (b *builder) build(rows []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, node{left: -1, right: -1, size: len(rows)})

	if depth >= b.limit || len(rows) <= 1 {
		return id
	}

	feature, lo, hi, ok := b.pickFeature(rows)
	if !ok {
		return id
	}

	split := lo + b.rng.Float64()*(hi-lo)
	left := make([]int, 0, len(rows))
	right := make([]int, 0, len(rows))
	for _, r := range rows {
		if b.data[r][feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)

	b.nodes[id].feature = feature
	b.nodes[id].split = split
	b.nodes[id].left = l
	b.nodes[id].right = r
	return id
}

// pickFeature chooses a random dimension among those that still vary across rows
func (b *builder) pickFeature(rows []int) (feature int, lo, hi float64, ok bool) {
	dims := len(b.data[rows[0]])
	candidates := b.rng.Perm(dims)
	for _, d := range candidates {
		lo, hi = b.data[rows[0]][d], b.data[rows[0]][d]
		for _, r := range rows[1:] {
			v := b.data[r][d]
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if hi > lo {
			return d, lo, hi, true
		}
	}
	return 0, 0, 0, false
}
