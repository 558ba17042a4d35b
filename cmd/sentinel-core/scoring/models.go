package scoring

import "math"

// supervisedModel mirrors the trained random-forest-shaped classifier
// (M1, spec §4.3) as a logistic combination over the flow feature set.
// Weights are loaded from an artifact file; when none is configured the
// model reports itself unavailable and the ensemble degrades per spec §4.3
// "model availability".
type supervisedModel struct {
	loaded  bool
	weights map[string]float64
	bias    float64
}

func newSupervisedModel() *supervisedModel {
	return &supervisedModel{}
}

func (m *supervisedModel) available() bool { return m.loaded }

// predict returns the probability the flow is malicious, in [0, 1].
func (m *supervisedModel) predict(features map[string]float64) float64 {
	if !m.loaded {
		return 0
	}
	z := m.bias
	for k, w := range m.weights {
		z += w * features[k]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// anomalyModel stands in for the unsupervised detector (M2). It scores a
// feature vector by how far its mean absolute feature value lies from the
// trained reference average, scaled by sensitivity: the further away, the
// more anomalous.
type anomalyModel struct {
	loaded       bool
	referenceAvg float64 // average feature magnitude of the training population
	sensitivity  float64
}

func newAnomalyModel() *anomalyModel {
	return &anomalyModel{}
}

func (m *anomalyModel) available() bool { return m.loaded }

// score returns an anomaly score in [0, 1]; 1 means maximally anomalous.
func (m *anomalyModel) score(features map[string]float64) float64 {
	if !m.loaded {
		return 0
	}
	var sum, n float64
	for _, v := range features {
		sum += math.Abs(v)
		n++
	}
	if n == 0 {
		return 0
	}
	mean := sum / n
	deviation := math.Abs(mean-m.referenceAvg) * m.sensitivity
	return clamp01(deviation / (deviation + 1))
}

// multiClassModel mirrors the darknet-traffic classifier (M3): a linear
// softmax over the 79-slot synthetic feature vector, producing a traffic
// type label and its confidence.
type multiClassModel struct {
	loaded  bool
	classes []string // label per output unit, same order as weights rows
	weights [][79]float64
	bias    []float64
}

func newMultiClassModel() *multiClassModel {
	return &multiClassModel{}
}

func (m *multiClassModel) available() bool { return m.loaded }

func (m *multiClassModel) predict(features [79]float64) (label string, confidence float64) {
	if !m.loaded || len(m.classes) == 0 {
		return "UNKNOWN", 0
	}

	logits := make([]float64, len(m.classes))
	for i := range m.classes {
		z := m.bias[i]
		row := m.weights[i]
		for j, v := range features {
			z += row[j] * v
		}
		logits[i] = z
	}

	probs := softmax(logits)

	bestIdx := 0
	for i, p := range probs {
		if p > probs[bestIdx] {
			bestIdx = i
		}
	}
	return m.classes[bestIdx], probs[bestIdx]
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	exps := make([]float64, len(logits))
	for i, v := range logits {
		e := math.Exp(v - max)
		exps[i] = e
		sum += e
	}
	if sum == 0 {
		out := make([]float64, len(logits))
		for i := range out {
			out[i] = 1 / float64(len(logits))
		}
		return out
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
