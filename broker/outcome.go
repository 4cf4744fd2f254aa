package broker

import "fmt"

// OutcomeKind is how a pass ended.
type OutcomeKind string

const (
	// OutcomeNoOp means nothing was pushed. Reason says why.
	OutcomeNoOp OutcomeKind = "noop"
	// OutcomeRolledBack means a pending review or rejection was resolved and
	// the remote workspace rolled back; the pass stopped there.
	OutcomeRolledBack OutcomeKind = "rolled_back"
	// OutcomeAdvanced means exactly one experiment was pushed.
	OutcomeAdvanced OutcomeKind = "advanced"
)

// Action is what a push did to the remote record.
type Action string

const (
	ActionLaunch Action = "launch"
	ActionUpdate Action = "update"
	ActionEnd    Action = "end"
)

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Collection string      `json:"collection"`
	Slug       string      `json:"slug,omitempty"`
	Action     Action      `json:"action,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	// Reconciled lists experiments whose confirmed remote state was
	// committed locally during the pass.
	Reconciled []string `json:"reconciled,omitempty"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeAdvanced:
		return fmt.Sprintf("%s: %s %s", o.Collection, o.Action, o.Slug)
	case OutcomeRolledBack:
		return fmt.Sprintf("%s: rolled back (%s)", o.Collection, o.Reason)
	}
	if o.Reason == "" {
		return fmt.Sprintf("%s: nothing to do", o.Collection)
	}
	return fmt.Sprintf("%s: nothing to do (%s)", o.Collection, o.Reason)
}

func noop(collection, reason string) *Outcome {
	return &Outcome{Kind: OutcomeNoOp, Collection: collection, Reason: reason}
}

func rolledBack(collection, reason, slug string) *Outcome {
	return &Outcome{Kind: OutcomeRolledBack, Collection: collection, Reason: reason, Slug: slug}
}
