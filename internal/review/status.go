// Package review models the lifecycle of a document version: the closed set of
// review statuses, the audit actions that move between them, and a replay
// function that reconstructs every status in a version chain from its audit
// trail.
package review

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

type Action string

const (
	ActionUploaded  Action = "uploaded"
	ActionReplaced  Action = "replaced"
	ActionConfirmed Action = "confirmed"
	ActionRejected  Action = "rejected"
	ActionAnnotated Action = "annotated"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusConfirmed, StatusRejected:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown review status %q", raw)
	}
}

func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionUploaded, ActionReplaced, ActionConfirmed, ActionRejected, ActionAnnotated:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("unknown audit action %q", raw)
	}
}

// CanTransition reports whether a version may move from s to next. A rejected
// version is resolved only by the owner submitting a replacement, never by
// flipping it back to pending. Confirmed versions stay confirmed unless a
// sibling confirmation demotes them (see Replay).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirmed || next == StatusRejected
	default:
		return false
	}
}

// Demotable reports whether a confirmation of a sibling version may push this
// status back to pending.
func (s Status) Demotable() bool {
	return s == StatusConfirmed
}

// Event is one audit entry as seen by the replayer: which version it belongs
// to and which action it records. Entries must be supplied in creation order.
type Event struct {
	VersionID string
	Action    Action
}

// ReplayChain folds the ordered audit trail of one (owner, docType) chain and
// returns the review status of every version that appears in it. The fold is
// deterministic: uploaded/replaced starts a version at pending, rejected and
// confirmed move it, and a confirmation demotes any previously confirmed
// sibling back to pending. annotated never changes status. A stored version
// row is consistent with its audit trail exactly when its status matches the
// replayed one.
func ReplayChain(events []Event) map[string]Status {
	statuses := make(map[string]Status)
	for _, event := range events {
		switch event.Action {
		case ActionUploaded, ActionReplaced:
			statuses[event.VersionID] = StatusPending
		case ActionRejected:
			statuses[event.VersionID] = StatusRejected
		case ActionConfirmed:
			for id, status := range statuses {
				if id != event.VersionID && status.Demotable() {
					statuses[id] = StatusPending
				}
			}
			statuses[event.VersionID] = StatusConfirmed
		case ActionAnnotated:
			// side-channel only
		}
	}
	return statuses
}
