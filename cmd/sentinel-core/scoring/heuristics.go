// Heuristic boost rules are adapted from the correlation engine's
// compile-once/evaluate-many rule shape, repurposed here to score keyword
// triggers against the event rather than correlate alerts.
package scoring

import (
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// boostRule is one compiled keyword-trigger condition paired with the
// score increment it contributes when it matches (spec §4.3 heuristic
// boost table).
type boostRule struct {
	name      string
	condition string
	boost     float64
	program   *vm.Program
}

var boostRuleDefs = []struct {
	name      string
	condition string
	boost     float64
}{
	{
		name:      "attack_action",
		condition: `Event.Action contains "git_push" || Event.Action contains "ci_credentials" || Event.Action contains "bruteforce" || Event.Action contains "malformed" || Event.Action contains "scan" || Event.Action contains "ci_job_run" || Event.Action contains "file_access"`,
		boost:     0.40,
	},
	{
		name:      "sensitive_target_file",
		condition: `Event.TargetFile contains ".env" || Event.TargetFile contains "secrets" || Event.TargetFile contains "credentials" || Event.TargetFile contains "config" || Event.TargetFile contains ".yml" || Event.TargetFile contains ".yaml"`,
		boost:     0.30,
	},
	{
		name:      "malicious_payload_keyword",
		condition: `Event.Payload contains "backdoor" || Event.Payload contains "malicious" || Event.Payload contains "exploit" || Event.Payload contains "shell" || Event.Payload contains "wget" || Event.Payload contains "curl" || Event.Payload contains "reverse" || Event.Payload contains "miner"`,
		boost:     0.25,
	},
	{
		name:      "attack_simulator_flow_features",
		condition: `Event.HasFlow`,
		boost:     0.35,
	},
}

// heuristicEngine holds the compiled boost rule programs, built once at
// startup from boostRuleDefs.
type heuristicEngine struct {
	rules []boostRule
}

func newHeuristicEngine() *heuristicEngine {
	env := map[string]interface{}{"Event": eventSourceRef{}}

	compiled := make([]boostRule, 0, len(boostRuleDefs))
	for _, def := range boostRuleDefs {
		program, err := expr.Compile(def.condition, expr.Env(env), expr.AsBool())
		if err != nil {
			log.Printf("[Scoring] failed to compile heuristic rule %s: %v", def.name, err)
			continue
		}
		compiled = append(compiled, boostRule{
			name:      def.name,
			condition: def.condition,
			boost:     def.boost,
			program:   program,
		})
	}

	return &heuristicEngine{rules: compiled}
}

// evaluate returns the sum of every matching rule's boost. Multiple rules
// can fire on the same event; the ensemble caller is responsible for
// clamping the final score to [0, 1].
func (h *heuristicEngine) evaluate(env map[string]interface{}) float64 {
	var total float64
	for _, r := range h.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Printf("[Scoring] heuristic rule %s runtime error: %v", r.name, err)
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			total += r.boost
		}
	}
	return total
}
