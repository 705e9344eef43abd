package mangle

import (
	"sort"
	"time"
)

// Base predicates recorded by the gateway. Arities match schema.mg.
const (
	PredCommand         = "command"          // (ID, Utterance, Timestamp)
	PredIntent          = "intent"           // (ID, Kind)
	PredResolution      = "resolution"       // (ID, Source, Confidence)
	PredEscalation      = "escalation"       // (ID, Reason)
	PredOutcome         = "outcome"          // (ID, Status, Ok)
	PredMutationFailure = "mutation_failure" // (ID, Op, Target)
	PredSnapshotGroup   = "snapshot_group"   // (ID, Group, Tabs)
)

// Derived predicates.
const (
	PredEscalated      = "escalated"
	PredFailedCommand  = "failed_command"
	PredRemotePlan     = "remote_plan"
	PredPartialFailure = "partial_failure"
)

func fact(pred string, at time.Time, args ...interface{}) Fact {
	return Fact{Predicate: pred, Args: args, Timestamp: at}
}

func CommandFact(id, utterance string, at time.Time) Fact {
	return fact(PredCommand, at, id, utterance, at.UnixMilli())
}

func IntentFact(id, kind string, at time.Time) Fact {
	return fact(PredIntent, at, id, kind)
}

func ResolutionFact(id, source string, confidence float64, at time.Time) Fact {
	return fact(PredResolution, at, id, source, confidence)
}

func EscalationFact(id, reason string, at time.Time) Fact {
	return fact(PredEscalation, at, id, reason)
}

func OutcomeFact(id, status string, ok bool, at time.Time) Fact {
	return fact(PredOutcome, at, id, status, ok)
}

func MutationFailureFact(id, op, target string, at time.Time) Fact {
	return fact(PredMutationFailure, at, id, op, target)
}

func SnapshotGroupFact(id, group string, tabs int, at time.Time) Fact {
	return fact(PredSnapshotGroup, at, id, group, tabs)
}

// CommandSummary joins the facts recorded for one command.
type CommandSummary struct {
	ID         string    `json:"id"`
	Utterance  string    `json:"utterance"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind,omitempty"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Escalation string    `json:"escalation,omitempty"`
	Status     string    `json:"status,omitempty"`
	OK         bool      `json:"ok"`
	Failures   int       `json:"failures,omitempty"`
}

// Commands summarizes the buffered history, newest first. limit <= 0 means all.
func (e *Engine) Commands(limit int) []CommandSummary {
	byID := make(map[string]*CommandSummary)
	var order []*CommandSummary

	for _, f := range e.FactsByPredicate(PredCommand) {
		id, _ := f.Args[0].(string)
		utterance, _ := f.Args[1].(string)
		s := &CommandSummary{ID: id, Utterance: utterance, At: f.Timestamp}
		byID[id] = s
		order = append(order, s)
	}

	each := func(pred string, fn func(s *CommandSummary, args []interface{})) {
		for _, f := range e.FactsByPredicate(pred) {
			id, _ := f.Args[0].(string)
			if s, ok := byID[id]; ok {
				fn(s, f.Args)
			}
		}
	}
	each(PredIntent, func(s *CommandSummary, a []interface{}) { s.Kind, _ = a[1].(string) })
	each(PredResolution, func(s *CommandSummary, a []interface{}) {
		s.Source, _ = a[1].(string)
		s.Confidence, _ = a[2].(float64)
	})
	each(PredEscalation, func(s *CommandSummary, a []interface{}) { s.Escalation, _ = a[1].(string) })
	each(PredOutcome, func(s *CommandSummary, a []interface{}) {
		s.Status, _ = a[1].(string)
		s.OK, _ = a[2].(bool)
	})
	each(PredMutationFailure, func(s *CommandSummary, a []interface{}) { s.Failures++ })

	sort.SliceStable(order, func(i, j int) bool { return order[i].At.After(order[j].At) })
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]CommandSummary, 0, len(order))
	for _, s := range order {
		out = append(out, *s)
	}
	return out
}
