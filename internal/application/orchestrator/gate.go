package orchestrator

import (
	"github.com/aescanero/dago-kernel/pkg/domain"
)

// DecisionGate returns an event interceptor that re-validates decisions
// announced as validated. A decision that no longer passes turns the event
// into decision.rejected.
func DecisionGate(v *Validator) func(domain.Event) domain.Event {
	return func(event domain.Event) domain.Event {
		if event.Type != domain.EventDecisionValidated {
			return event
		}
		decision, ok := event.Data["decision"].(*domain.Decision)
		if !ok {
			return event
		}

		result := v.evaluate(decision)
		if result.Accepted() {
			return event
		}

		data := make(map[string]interface{}, len(event.Data)+2)
		for k, val := range event.Data {
			data[k] = val
		}
		data["violations"] = result.Violations
		data["vetoed_by"] = "decision_gate"

		event.Type = domain.EventDecisionRejected
		event.Status = string(domain.ValidationRejected)
		event.Data = data
		return event
	}
}
