package gitlab

import "fmt"

// MRState is the state of a merge request.
type MRState string

const (
	MRStateOpened   MRState = "opened"
	MRStateReopened MRState = "reopened"
	MRStateLocked   MRState = "locked"
	MRStateClosed   MRState = "closed"
	MRStateMerged   MRState = "merged"
)

// IsOpen returns true for states in which a merge request can be merged.
func (s MRState) IsOpen() bool {
	switch s {
	case MRStateOpened, MRStateReopened, MRStateLocked:
		return true
	default:
		return false
	}
}

// IsKnown returns false for states this package does not know about.
func (s MRState) IsKnown() bool {
	return s.IsOpen() || s == MRStateClosed || s == MRStateMerged
}

// CIStatus is the status of a pipeline or commit.
type CIStatus string

const (
	CIStatusSuccess  CIStatus = "success"
	CIStatusFailed   CIStatus = "failed"
	CIStatusCanceled CIStatus = "canceled"
	CIStatusPending  CIStatus = "pending"
	CIStatusRunning  CIStatus = "running"
	CIStatusSkipped  CIStatus = "skipped"
	CIStatusCreated  CIStatus = "created"
	CIStatusManual   CIStatus = "manual"
)

// IsInProgress returns true for pipelines that did not finish yet.
func (s CIStatus) IsInProgress() bool {
	switch s {
	case CIStatusPending, CIStatusRunning, CIStatusCreated:
		return true
	default:
		return false
	}
}

// MergeOrder defines in which order merge requests are processed.
type MergeOrder string

const (
	MergeOrderCreatedAt  MergeOrder = "created_at"
	MergeOrderUpdatedAt  MergeOrder = "updated_at"
	MergeOrderAssignedAt MergeOrder = "assigned_at"
)

// AccessLevel is the permission level of a user in a project.
type AccessLevel int

const (
	AccessLevelNone       AccessLevel = 0
	AccessLevelGuest      AccessLevel = 10
	AccessLevelReporter   AccessLevel = 20
	AccessLevelDeveloper  AccessLevel = 30
	AccessLevelMaintainer AccessLevel = 40
	AccessLevelOwner      AccessLevel = 50
)

// ParseMergeOrder converts s to a MergeOrder.
func ParseMergeOrder(s string) (MergeOrder, error) {
	switch o := MergeOrder(s); o {
	case MergeOrderCreatedAt, MergeOrderUpdatedAt, MergeOrderAssignedAt:
		return o, nil
	default:
		return "", fmt.Errorf("unsupported merge order %q, must be one of: %s, %s, %s",
			s, MergeOrderCreatedAt, MergeOrderUpdatedAt, MergeOrderAssignedAt)
	}
}
