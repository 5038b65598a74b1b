package conditional

import "time"

// Handler decides whether an edge should transition, given the current
// time. It never mutates edge — callers apply the Decision.
type Handler func(edge Edge, now time.Time) Decision

// handlerFor dispatches on ConditionType; manual edges never transition
// on their own.
func handlerFor(conditionType ConditionType) Handler {
	switch conditionType {
	case ConditionHealthBased:
		return healthBasedHandler
	case ConditionLoadBased:
		return loadBasedHandler
	case ConditionScheduled:
		return scheduledHandler
	default:
		return manualHandler
	}
}

func manualHandler(edge Edge, now time.Time) Decision {
	return Decision{}
}

// healthBasedHandler implements §4.5.3's health-based failover: activate
// when the source reports the configured failure status and the target
// is healthy; deactivate once the source recovers.
func healthBasedHandler(edge Edge, now time.Time) Decision {
	primaryHealth, _ := edge.Condition["primaryHealth"].(string)

	if edge.State == StateInactive &&
		edge.Source.Status == primaryHealth &&
		edge.Target.Status == StatusOperational {
		return Decision{Activate: true, Reason: "Health-based failover: " + edge.Source.Status}
	}

	if edge.State == StateActive && edge.Source.Status == StatusOperational {
		return Decision{Deactivate: true, Reason: "Primary recovered"}
	}

	return Decision{}
}

// loadBasedHandler implements §4.5.3's load-based handler with a
// mandatory hysteresis band (0.8·threshold .. threshold) and a cooldown
// that must elapse after the last deactivation before re-activating.
func loadBasedHandler(edge Edge, now time.Time) Decision {
	threshold, _ := edge.Condition["threshold"].(float64)
	cooldownSeconds, _ := edge.Condition["cooldownPeriod"].(float64)
	load := edge.Source.CurrentLoad

	if edge.State == StateInactive && load >= threshold {
		if edge.LastDeactivated != nil {
			elapsed := now.Sub(*edge.LastDeactivated).Seconds()
			if elapsed < cooldownSeconds {
				return Decision{}
			}
		}
		return Decision{Activate: true, Reason: "Load threshold exceeded"}
	}

	if edge.State == StateActive && load < 0.8*threshold {
		return Decision{Deactivate: true, Reason: "Load dropped below hysteresis band"}
	}

	return Decision{}
}

// scheduledHandler implements §4.5.3's scheduled handler: activates at
// nextActivation, deactivates once duration has elapsed since activation.
func scheduledHandler(edge Edge, now time.Time) Decision {
	nextActivation, _ := edge.Condition["nextActivation"].(time.Time)
	durationSeconds, _ := edge.Condition["duration"].(float64)

	if edge.State == StateInactive && !nextActivation.IsZero() && !now.Before(nextActivation) {
		return Decision{Activate: true, Reason: "Scheduled activation"}
	}

	if edge.State == StateActive && edge.LastActivated != nil {
		elapsed := now.Sub(*edge.LastActivated).Seconds()
		if elapsed >= durationSeconds {
			return Decision{Deactivate: true, Reason: "Scheduled duration expired"}
		}
	}

	return Decision{}
}
