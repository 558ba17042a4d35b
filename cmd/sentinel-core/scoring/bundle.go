package scoring

import (
	"encoding/json"
	"log"
	"os"
)

// supervisedArtifact is the on-disk shape for the M1 weights file.
type supervisedArtifact struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// anomalyArtifact is the on-disk shape for the M2 reference statistics file.
type anomalyArtifact struct {
	ReferenceAverage float64 `json:"reference_average"`
	Sensitivity      float64 `json:"sensitivity"`
}

// multiClassArtifact is the on-disk shape for the M3 weights file.
type multiClassArtifact struct {
	Classes []string    `json:"classes"`
	Bias    []float64   `json:"bias"`
	Weights [][]float64 `json:"weights"` // one row of 79 weights per class
}

// Bundle holds the three loaded (or unavailable) classifiers that make up
// the ensemble, per spec §4.3.
type Bundle struct {
	supervised *supervisedModel
	anomaly    *anomalyModel
	multiClass *multiClassModel
}

// LoadBundle reads the three model artifact files from dir. A missing or
// malformed file degrades that model to "unavailable" rather than failing
// startup: the ensemble keeps scoring with whichever models did load. The
// ensemble weights are not renormalized; an unavailable model contributes
// zero to the weighted sum.
func LoadBundle(dir string) *Bundle {
	b := &Bundle{
		supervised: newSupervisedModel(),
		anomaly:    newAnomalyModel(),
		multiClass: newMultiClassModel(),
	}

	if dir == "" {
		log.Printf("[Scoring] no model directory configured, running heuristic-only")
		return b
	}

	if art, ok := loadJSON[supervisedArtifact](dir + "/supervised.json"); ok {
		b.supervised.loaded = true
		b.supervised.bias = art.Bias
		b.supervised.weights = art.Weights
	} else {
		log.Printf("[Scoring] supervised model unavailable, degrading ensemble weights")
	}

	if art, ok := loadJSON[anomalyArtifact](dir + "/anomaly.json"); ok {
		b.anomaly.loaded = true
		b.anomaly.referenceAvg = art.ReferenceAverage
		if art.Sensitivity == 0 {
			art.Sensitivity = 1
		}
		b.anomaly.sensitivity = art.Sensitivity
	} else {
		log.Printf("[Scoring] anomaly model unavailable, degrading ensemble weights")
	}

	if art, ok := loadJSON[multiClassArtifact](dir + "/multiclass.json"); ok && len(art.Classes) == len(art.Weights) {
		b.multiClass.loaded = true
		b.multiClass.classes = art.Classes
		b.multiClass.bias = art.Bias
		rows := make([][79]float64, len(art.Weights))
		for i, row := range art.Weights {
			var fixed [79]float64
			copy(fixed[:], row)
			rows[i] = fixed
		}
		b.multiClass.weights = rows
	} else {
		log.Printf("[Scoring] multiclass darknet model unavailable, degrading ensemble weights")
	}

	return b
}

// BundleMetadata reports which of the three classifiers loaded
// successfully, surfaced read-only by the ml_insights endpoint.
type BundleMetadata struct {
	SupervisedLoaded bool `json:"supervised_loaded"`
	AnomalyLoaded    bool `json:"anomaly_loaded"`
	MultiClassLoaded bool `json:"multiclass_loaded"`
	MultiClassLabels int  `json:"multiclass_labels"`
}

func (b *Bundle) Metadata() BundleMetadata {
	return BundleMetadata{
		SupervisedLoaded: b.supervised.available(),
		AnomalyLoaded:    b.anomaly.available(),
		MultiClassLoaded: b.multiClass.available(),
		MultiClassLabels: len(b.multiClass.classes),
	}
}

func loadJSON[T any](path string) (T, bool) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		log.Printf("[Scoring] malformed model artifact %s: %v", path, err)
		return out, false
	}
	return out, true
}
