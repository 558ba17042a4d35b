package scoring

import (
	"encoding/json"
	"testing"

	"github.com/trapline/sentinelcore/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestScore_NoModelsStillFlagsSecretExfiltration(t *testing.T) {
	e := NewEngine("")

	doc := models.IngestDocument{
		Action:        "git_push",
		TargetFile:    strPtr(".env"),
		TargetService: "Git Service",
		Protocol:      "HTTP",
		Payload:       json.RawMessage(`{"message":"add secrets"}`),
	}

	pred := e.Score(doc)

	if pred.RiskLevel != models.RiskHigh {
		t.Fatalf("expected HIGH risk for git_push+.env with no models loaded, got %s (score %v)", pred.RiskLevel, pred.Score)
	}
	if pred.PredictedAttackType != models.AttackExploit {
		t.Fatalf("expected EXPLOIT attack type for git_push action, got %s", pred.PredictedAttackType)
	}
	if !pred.IsAnomaly {
		t.Fatalf("expected is_anomaly true for a high-score event")
	}
}

func TestScore_CredentialsTargetYieldsBackdoor(t *testing.T) {
	e := NewEngine("")

	doc := models.IngestDocument{
		Action:        "ci_credentials",
		TargetFile:    strPtr("ci/credentials.json"),
		TargetService: "CI/CD Pipeline",
		Protocol:      "HTTP",
	}

	pred := e.Score(doc)

	if pred.PredictedAttackType != models.AttackBackdoor {
		t.Fatalf("expected BACKDOOR, got %s", pred.PredictedAttackType)
	}
}

func TestScore_BruteforceLoginSubstringMatchTriggersAttackActionBoost(t *testing.T) {
	e := NewEngine("")

	// "bruteforce_login" is the realistic decoy action the attack simulator
	// actually emits (honeypot_attack_simulator.py) -- it must still match
	// the "bruteforce" keyword via substring containment, not just the bare
	// literal "bruteforce".
	doc := models.IngestDocument{
		Action:        "bruteforce_login",
		TargetService: "SSH Honeypot",
		Protocol:      "TCP",
	}

	pred := e.Score(doc)

	if pred.RiskLevel != models.RiskHigh {
		t.Fatalf("expected HIGH risk for bruteforce_login with no models loaded, got %s (score %v)", pred.RiskLevel, pred.Score)
	}
	if !pred.IsAnomaly {
		t.Fatalf("expected is_anomaly true for a high-score event")
	}
}

func TestScore_UnrecognizedActionStaysMinimal(t *testing.T) {
	e := NewEngine("")

	doc := models.IngestDocument{
		Action:        "heartbeat",
		TargetFile:    strPtr("readme.md"),
		TargetService: "Static Site",
		Protocol:      "HTTPS",
	}

	pred := e.Score(doc)

	// None of the four boost triggers fire here (action, target file,
	// payload keywords, flow features), and with no models loaded the
	// base ensemble score is 0.
	if pred.RiskLevel != models.RiskMinimal {
		t.Fatalf("expected MINIMAL risk with no boost triggers and no models, got %s (score %v)", pred.RiskLevel, pred.Score)
	}
}

func TestScore_FlowFeaturePayloadForcesAttackFloor(t *testing.T) {
	e := NewEngine("")

	doc := models.IngestDocument{
		Action:        "connection",
		TargetService: "Network Sensor",
		Protocol:      "TCP",
		Payload:       json.RawMessage(`{"sbytes": 4096, "spkts": 12, "dur": 0.4, "rate": 120.0, "sload": 800.0}`),
	}

	pred := e.Score(doc)

	if pred.Score < boostCeilingValue {
		t.Fatalf("expected the attack-simulator flow-feature boost to force score >= %v, got %v", boostCeilingValue, pred.Score)
	}
}

func TestScore_YamlReconFlagsReconnaissance(t *testing.T) {
	e := NewEngine("")

	doc := models.IngestDocument{
		Action:        "file_access",
		TargetFile:    strPtr("deploy/config.yml"),
		TargetService: "CI/CD Pipeline",
		Protocol:      "HTTP",
	}

	pred := e.Score(doc)

	if pred.PredictedAttackType != models.AttackReconnaissance {
		t.Fatalf("expected RECONNAISSANCE for yaml file_access, got %s", pred.PredictedAttackType)
	}
}

func TestRiskLevelFor_Thresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  models.RiskLevel
	}{
		{0.9, models.RiskHigh},
		{0.6, models.RiskHigh},
		{0.59, models.RiskMedium},
		{0.4, models.RiskMedium},
		{0.39, models.RiskLow},
		{0.2, models.RiskLow},
		{0.19, models.RiskMinimal},
		{0.0, models.RiskMinimal},
	}
	for _, c := range cases {
		if got := riskLevelFor(c.score); got != c.want {
			t.Errorf("riskLevelFor(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestDarknetSuspicionScore_TorAndVPNUseConfidenceDirectly(t *testing.T) {
	if got := darknetSuspicionScore(models.DarknetTor, 0.9); got != 0.9 {
		t.Fatalf("expected Tor suspicion to equal confidence, got %v", got)
	}
	if got := darknetSuspicionScore(models.DarknetNonTor, 1.0); got != 0 {
		t.Fatalf("expected Non-Tor at full confidence to contribute 0 suspicion, got %v", got)
	}
}
