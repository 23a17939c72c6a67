package mlengine

import (
	"math"
	"sort"
)

// TreeNode is one node of a CART decision tree. Leaf nodes carry a class
// probability distribution.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
	Probs     []float64
	Leaf      bool
}

func (n *TreeNode) predict(x []float64) []float64 {
	if n.Leaf {
		return n.Probs
	}
	if n.Feature < len(x) && x[n.Feature] <= n.Threshold {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}

// buildTree grows a CART tree by weighted gini impurity on a bounded set of
// candidate features.
func buildTree(X [][]float64, y []int, weights []float64, indices []int, classCount, depth, maxDepth int, features []int) *TreeNode {
	dist := classDistribution(y, weights, indices, classCount)
	if depth >= maxDepth || len(indices) < 4 || pure(dist) {
		return &TreeNode{Leaf: true, Probs: dist}
	}

	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0
	parentImpurity := gini(dist)
	for _, f := range features {
		thresholds := candidateThresholds(X, indices, f)
		for _, threshold := range thresholds {
			leftDist := make([]float64, classCount)
			rightDist := make([]float64, classCount)
			var leftW, rightW float64
			for _, i := range indices {
				if X[i][f] <= threshold {
					leftDist[y[i]] += weights[i]
					leftW += weights[i]
				} else {
					rightDist[y[i]] += weights[i]
					rightW += weights[i]
				}
			}
			if leftW == 0 || rightW == 0 {
				continue
			}
			total := leftW + rightW
			gain := parentImpurity - (leftW/total)*gini(normalize(leftDist)) - (rightW/total)*gini(normalize(rightDist))
			if gain > bestGain {
				bestGain, bestFeature, bestThreshold = gain, f, threshold
			}
		}
	}
	if bestFeature < 0 || bestGain < 1e-9 {
		return &TreeNode{Leaf: true, Probs: dist}
	}

	var left, right []int
	for _, i := range indices {
		if X[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &TreeNode{
		Feature:   bestFeature,
		Threshold: bestThreshold,
		Left:      buildTree(X, y, weights, left, classCount, depth+1, maxDepth, features),
		Right:     buildTree(X, y, weights, right, classCount, depth+1, maxDepth, features),
	}
}

func candidateThresholds(X [][]float64, indices []int, f int) []float64 {
	seen := map[float64]bool{}
	var values []float64
	for _, i := range indices {
		v := X[i][f]
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Float64s(values)
	if len(values) <= 1 {
		return nil
	}
	// Midpoints, capped to keep fitting fast on wide columns.
	var thresholds []float64
	step := 1
	if len(values) > 16 {
		step = len(values) / 16
	}
	for i := 0; i+1 < len(values); i += step {
		thresholds = append(thresholds, (values[i]+values[i+1])/2)
	}
	return thresholds
}

func classDistribution(y []int, weights []float64, indices []int, classCount int) []float64 {
	dist := make([]float64, classCount)
	for _, i := range indices {
		dist[y[i]] += weights[i]
	}
	return normalize(dist)
}

func normalize(dist []float64) []float64 {
	var sum float64
	for _, d := range dist {
		sum += d
	}
	out := make([]float64, len(dist))
	if sum == 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	for i, d := range dist {
		out[i] = d / sum
	}
	return out
}

func gini(dist []float64) float64 {
	g := 1.0
	for _, p := range dist {
		g -= p * p
	}
	return g
}

func pure(dist []float64) bool {
	for _, p := range dist {
		if p > 0.999 {
			return true
		}
	}
	return false
}

// RandomForest bags CART trees over bootstrap samples with random feature
// subsets.
type RandomForest struct {
	Params  Hyperparameters
	Trees   []*TreeNode
	Classes int
}

func (m *RandomForest) Fit(X [][]float64, y []int, classCount int, sampleWeights []float64) {
	if len(X) == 0 {
		return
	}
	trees := m.Params.Trees
	if trees == 0 {
		trees = 15
	}
	maxDepth := m.Params.MaxDepth
	if maxDepth == 0 {
		maxDepth = 8
	}
	m.Classes = classCount
	m.Trees = nil

	rng := sampleRNG()
	features := len(X[0])
	subset := int(math.Sqrt(float64(features)))
	if subset < 1 {
		subset = 1
	}

	for t := 0; t < trees; t++ {
		indices := make([]int, len(X))
		for i := range indices {
			indices[i] = rng.Intn(len(X))
		}
		chosen := rng.Perm(features)[:subset]
		m.Trees = append(m.Trees, buildTree(X, y, sampleWeights, indices, classCount, 0, maxDepth, chosen))
	}
}

func (m *RandomForest) PredictProba(x []float64) []float64 {
	sum := make([]float64, m.Classes)
	for _, tree := range m.Trees {
		for c, p := range tree.predict(x) {
			sum[c] += p
		}
	}
	return normalize(sum)
}

// GradientBoosting fits one-vs-rest boosted depth-2 trees with a logistic
// link.
type GradientBoosting struct {
	Params    Hyperparameters
	Rounds    int
	Rate      float64
	Ensembles [][]*TreeNode // [class][round]
	Classes   int
}

func (m *GradientBoosting) Fit(X [][]float64, y []int, classCount int, sampleWeights []float64) {
	if len(X) == 0 {
		return
	}
	m.Rounds = m.Params.Rounds
	if m.Rounds == 0 {
		m.Rounds = 30
	}
	m.Rate = m.Params.LearningRate
	if m.Rate == 0 {
		m.Rate = 0.2
	}
	m.Classes = classCount
	m.Ensembles = make([][]*TreeNode, classCount)

	features := make([]int, len(X[0]))
	for i := range features {
		features[i] = i
	}
	indices := make([]int, len(X))
	for i := range indices {
		indices[i] = i
	}

	for c := 0; c < classCount; c++ {
		scores := make([]float64, len(X))
		for round := 0; round < m.Rounds; round++ {
			// Pseudo-residuals of logistic loss for the one-vs-rest target.
			residualWeights := make([]float64, len(X))
			residualLabels := make([]int, len(X))
			for i := range X {
				target := 0.0
				if y[i] == c {
					target = 1.0
				}
				p := sigmoid(scores[i])
				residual := target - p
				if residual >= 0 {
					residualLabels[i] = 1
				} else {
					residualLabels[i] = 0
				}
				residualWeights[i] = math.Abs(residual) * sampleWeights[i]
			}
			tree := buildTree(X, residualLabels, residualWeights, indices, 2, 0, 2, features)
			m.Ensembles[c] = append(m.Ensembles[c], tree)
			for i, x := range X {
				scores[i] += m.Rate * treeSignal(tree, x)
			}
		}
	}
}

// treeSignal maps a residual tree's positive-class probability to [-1, 1].
func treeSignal(tree *TreeNode, x []float64) float64 {
	return tree.predict(x)[1]*2 - 1
}

func (m *GradientBoosting) PredictProba(x []float64) []float64 {
	scores := make([]float64, m.Classes)
	for c := 0; c < m.Classes; c++ {
		var s float64
		for _, tree := range m.Ensembles[c] {
			s += m.Rate * treeSignal(tree, x)
		}
		scores[c] = s
	}
	return softmax(scores)
}

// LinearSVM trains one-vs-rest hinge-loss linear classifiers with SGD and
// converts margins to probabilities by softmax.
type LinearSVM struct {
	Params  Hyperparameters
	Weights [][]float64
	Bias    []float64
}

func (m *LinearSVM) Fit(X [][]float64, y []int, classCount int, sampleWeights []float64) {
	if len(X) == 0 {
		return
	}
	c := m.Params.C
	if c == 0 {
		c = 1.0
	}
	epochs := m.Params.Epochs
	if epochs == 0 {
		epochs = 50
	}
	lr := 0.01
	features := len(X[0])
	m.Weights = make([][]float64, classCount)
	m.Bias = make([]float64, classCount)
	for k := range m.Weights {
		m.Weights[k] = make([]float64, features)
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for i, x := range X {
			for k := 0; k < classCount; k++ {
				target := -1.0
				if y[i] == k {
					target = 1.0
				}
				margin := m.Bias[k]
				for f, xf := range x {
					if xf != 0 {
						margin += m.Weights[k][f] * xf
					}
				}
				w := sampleWeights[i]
				if target*margin < 1 {
					for f, xf := range x {
						if xf != 0 {
							m.Weights[k][f] += lr * (c*target*xf*w - m.Weights[k][f]/float64(len(X)))
						}
					}
					m.Bias[k] += lr * c * target * w
				}
			}
		}
	}
}

func (m *LinearSVM) PredictProba(x []float64) []float64 {
	margins := make([]float64, len(m.Bias))
	for k := range margins {
		s := m.Bias[k]
		for f, xf := range x {
			if xf != 0 && f < len(m.Weights[k]) {
				s += m.Weights[k][f] * xf
			}
		}
		margins[k] = s
	}
	return softmax(margins)
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
