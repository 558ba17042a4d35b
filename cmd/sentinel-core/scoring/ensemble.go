// Package scoring implements the three-model ensemble described in spec
// §4.3: a supervised classifier, an unsupervised anomaly detector, and a
// multiclass traffic-type model, combined with a weighted sum, a
// keyword-driven heuristic boost, and deterministic risk/attack-type
// derivation. No ML inference library exists anywhere in the reference
// corpus, so the three models are implemented directly against stdlib
// math rather than wrapped around a borrowed framework (see DESIGN.md).
package scoring

import (
	"strings"

	"github.com/trapline/sentinelcore/pkg/models"
)

const (
	supervisedWeight = 0.60
	anomalyWeight    = 0.25
	darknetWeight    = 0.15

	supervisedAttackThreshold = 0.5
	darknetHighConfidence     = 0.7
	ensembleAttackThreshold   = 0.5

	boostFloorTrigger    = 0.3
	boostFloorScoreCap   = 0.5
	boostFloorBase       = 0.65
	boostCeilingTrigger  = 0.2
	boostCeilingScoreCap = 0.7
	boostCeilingValue    = 0.75

	riskHighThreshold   = 0.6
	riskMediumThreshold = 0.4
	riskLowThreshold    = 0.2

	attackTypeHighSeverityThreshold = 0.65
	evasionScoreThreshold           = 0.5
)

// Engine ties the loaded model bundle and compiled heuristic rules
// together into a single scoring entry point for the ingest pipeline.
type Engine struct {
	bundle     *Bundle
	heuristics *heuristicEngine
}

// NewEngine builds a scoring engine from model artifacts in modelDir.
// modelDir may be empty, in which case every model reports unavailable
// and scoring falls back to the heuristic boost alone.
func NewEngine(modelDir string) *Engine {
	return &Engine{
		bundle:     LoadBundle(modelDir),
		heuristics: newHeuristicEngine(),
	}
}

// Metadata exposes which classifiers loaded successfully, for the
// ml_insights query endpoint.
func (e *Engine) Metadata() BundleMetadata {
	return e.bundle.Metadata()
}

// Score runs the full ensemble over one ingest document and returns the
// resulting Prediction, following the weighted-combination and boost
// rules spec §4.3 specifies.
func (e *Engine) Score(doc models.IngestDocument) models.Prediction {
	inputs := newRawInputs(doc.Action, doc.TargetFile, doc.TargetService, doc.Protocol, doc.UserAgent, doc.Payload, doc.Headers)

	flow := inputs.flowFeatures()
	supervisedProb := e.bundle.supervised.predict(flow)
	supervisedAttack := e.bundle.supervised.available() && supervisedProb >= supervisedAttackThreshold

	anomalyScore := e.bundle.anomaly.score(flow)
	isAnomalous := e.bundle.anomaly.available() && anomalyScore >= supervisedAttackThreshold

	darknetLabel, darknetConfidence := e.bundle.multiClass.predict(inputs.darknetFeatures())
	darknetTrafficType := models.DarknetType(darknetLabel)
	var darknetSuspicion float64
	if e.bundle.multiClass.available() {
		darknetSuspicion = darknetSuspicionScore(darknetTrafficType, darknetConfidence)
	}

	baseScore := supervisedWeight*supervisedProb + anomalyWeight*anomalyScore + darknetWeight*darknetSuspicion

	boost := e.heuristics.evaluate(inputs.exprEnv())

	score := baseScore
	if boost > boostFloorTrigger && score < boostFloorScoreCap {
		score = boostFloorBase + boost
	}
	score = clamp01(score + boost)
	if boost > boostCeilingTrigger && score < boostCeilingScoreCap {
		score = boostCeilingValue
	}

	isAttack := supervisedAttack || isAnomalous || darknetSuspicion >= darknetHighConfidence || score >= ensembleAttackThreshold

	attackType := deriveAttackType(doc, supervisedAttack, isAnomalous, score, darknetTrafficType)

	return models.Prediction{
		Score:               score,
		RiskLevel:           riskLevelFor(score),
		IsAnomaly:           isAttack,
		PredictedAttackType: attackType,
		DarknetTrafficType:  darknetTrafficTypeOrUnknown(darknetTrafficType),
		Detail: models.ModelDetail{
			SupervisedProbability: supervisedProb,
			AnomalyScore:          anomalyScore,
			DarknetConfidence:     darknetConfidence,
			SuspicionScore:        darknetSuspicion,
			HeuristicBoost:        boost,
			BaseScore:             baseScore,
		},
	}
}

func darknetTrafficTypeOrUnknown(t models.DarknetType) models.DarknetType {
	if t == "" {
		return models.DarknetUnknown
	}
	return t
}

// darknetSuspicionScore mirrors predict_darknet's suspicion_score: Tor/VPN
// traffic carries its classification confidence directly as suspicion,
// any other traffic type contributes only a damped residual.
func darknetSuspicionScore(trafficType models.DarknetType, confidence float64) float64 {
	if trafficType == models.DarknetTor || trafficType == models.DarknetVPN {
		return confidence
	}
	return (1 - confidence) * 0.3
}

func riskLevelFor(score float64) models.RiskLevel {
	switch {
	case score >= riskHighThreshold:
		return models.RiskHigh
	case score >= riskMediumThreshold:
		return models.RiskMedium
	case score >= riskLowThreshold:
		return models.RiskLow
	default:
		return models.RiskMinimal
	}
}

// deriveAttackType follows the same priority chain as the original
// ensemble: evasion-via-anonymizing-network first, then content-derived
// labels from the action/target file, then score- and model-derived
// fallbacks, ending in NORMAL.
func deriveAttackType(doc models.IngestDocument, supervisedAttack, anomalous bool, score float64, darknetTrafficType models.DarknetType) models.AttackType {
	action := strings.ToLower(doc.Action)
	targetFile := ""
	if doc.TargetFile != nil {
		targetFile = strings.ToLower(*doc.TargetFile)
	}

	if darknetTrafficType == models.DarknetTor || darknetTrafficType == models.DarknetVPN {
		if score >= evasionScoreThreshold {
			return models.AttackEvasion
		}
	}

	switch {
	case strings.Contains(action, "git_push") || strings.Contains(action, "commit"):
		return models.AttackExploit
	case strings.Contains(action, "ci_credentials") || strings.Contains(targetFile, "credentials"):
		return models.AttackBackdoor
	case strings.Contains(targetFile, ".env") || strings.Contains(targetFile, "secrets"):
		return models.AttackDataExfiltration
	case action == "file_access" && containsAny(targetFile, ".yml", ".yaml", ".json"):
		return models.AttackReconnaissance
	case score >= attackTypeHighSeverityThreshold:
		return models.AttackHighSeverity
	case supervisedAttack:
		return models.AttackKnown
	case anomalous:
		return models.AttackUnknownAnomaly
	default:
		return models.AttackNormal
	}
}
