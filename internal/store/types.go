// Package store is the durable relational state for the Janitor control
// plane: codebases, candidates, the work queue, active leases, runs,
// publish attempts, merge proposals, change sets and policies. It is the
// single source of truth; every cross-component coordination described in
// the rest of this module flows through it.
package store

import "time"

// QueueBucket orders queue items ahead of priority. Lower buckets run first.
type QueueBucket string

const (
	BucketManual   QueueBucket = "manual"
	BucketHighPrio QueueBucket = "high-priority"
	BucketDefault  QueueBucket = "default"
	BucketRecurring QueueBucket = "recurring"
)

// ResultCode is a stable string used across components; failure_transient
// marks codes eligible for automatic retry.
type ResultCode string

const (
	ResultSuccess         ResultCode = "success"
	ResultNothingToDo     ResultCode = "nothing-to-do"
	ResultNothingNewToDo  ResultCode = "nothing-new-to-do"
	ResultWorkerFailure   ResultCode = "worker-failure"
	ResultWorkerTimeout   ResultCode = "worker-timeout"
	ResultKilled          ResultCode = "killed"
	ResultBranchUnavail   ResultCode = "branch-unavailable"
)

// PublishStatus gates whether a run is eligible for the publisher.
type PublishStatus string

const (
	PublishStatusUnknown           PublishStatus = "unknown"
	PublishStatusBlocked           PublishStatus = "blocked"
	PublishStatusNeedsManualReview PublishStatus = "needs-manual-review"
	PublishStatusRejected          PublishStatus = "rejected"
	PublishStatusApproved          PublishStatus = "approved"
	PublishStatusIgnored           PublishStatus = "ignored"
)

// PublishMode is how a publish attempt delivers a change upstream.
type PublishMode string

const (
	ModePush         PublishMode = "push"
	ModeAttemptPush  PublishMode = "attempt-push"
	ModePropose      PublishMode = "propose"
	ModeBuildOnly    PublishMode = "build-only"
	ModePushDerived  PublishMode = "push-derived"
	ModeSkip         PublishMode = "skip"
	ModeBTS          PublishMode = "bts"
)

// MergeProposalStatus tracks a merge proposal across its lifecycle.
type MergeProposalStatus string

const (
	MPOpen      MergeProposalStatus = "open"
	MPClosed    MergeProposalStatus = "closed"
	MPMerged    MergeProposalStatus = "merged"
	MPApplied   MergeProposalStatus = "applied"
	MPAbandoned MergeProposalStatus = "abandoned"
	MPRejected  MergeProposalStatus = "rejected"
)

// ChangeSetState is derived deterministically from its runs and publishes.
type ChangeSetState string

const (
	ChangeSetCreated    ChangeSetState = "created"
	ChangeSetWorking    ChangeSetState = "working"
	ChangeSetReady      ChangeSetState = "ready"
	ChangeSetPublishing ChangeSetState = "publishing"
	ChangeSetDone       ChangeSetState = "done"
)

// Codebase is a unit of upstream source.
type Codebase struct {
	Name     string
	VCSType  string
	BranchURL string
	Subpath  string
	WebURL   string
	Value    int
	Inactive bool
}

// Candidate is a standing intent to run a specific transformation on a codebase.
type Candidate struct {
	ID               int64
	Codebase         string
	Campaign         string
	ChangeSet        string // optional
	Command          string
	Context          string
	Value            int
	SuccessChance    float64
	PublishPolicy    string
}

// QueueItem is a concrete, pending work assignment.
type QueueItem struct {
	ID               int64
	Codebase         string
	Campaign         string
	Command          string
	Priority         int
	Bucket           QueueBucket
	EstimatedDuration time.Duration
	ChangeSet        string
	Requester        string
	Refresh          bool
	CreatedAt        time.Time
}

// ActiveRun is a queue item currently leased to a worker.
type ActiveRun struct {
	LogID            string
	QueueID          int64
	Codebase         string
	Campaign         string
	Command          string
	Worker           string
	StartTime        time.Time
	EstimatedDuration time.Duration
	LastHeartbeat    time.Time
	Backchannel      string
	MainBranchRevision string
	ResumeFromBranch string
	ResumeFromRevision string
}

// ResultBranch is a (role, revision) produced by a run.
type ResultBranch struct {
	RunID        string
	Role         string
	RemoteName   string
	BaseRevision string
	Revision     string
	Absorbed     bool
}

// Run is the historical record of an attempted build.
type Run struct {
	LogID              string
	Codebase           string
	Campaign           string
	Command            string
	StartTime          time.Time
	FinishTime         time.Time
	ResultCode         ResultCode
	FailureStage       string
	FailureTransient   bool
	Revision           string
	MainBranchRevision string
	Worker             string
	LogFilenames       []string
	ResultJSON         []byte
	Value              int
	PublishStatus      PublishStatus
	ResumeFrom         string
	ChangeSet          string
	Branches           []ResultBranch
}

// PublishAttempt is an attempted push/propose of a run's branch.
type PublishAttempt struct {
	ID              int64
	Timestamp       time.Time
	ChangeSet       string
	Codebase        string
	Campaign        string
	Role            string
	SourceBranchURL string
	TargetBranchURL string
	Revision        string
	Mode            PublishMode
	MergeProposalURL string
	ResultCode      string
	Description     string
	Requester       string
}

// MergeProposal is a live or historical pull/merge request.
type MergeProposal struct {
	URL             string
	Codebase        string
	TargetBranchURL string
	Status          MergeProposalStatus
	Revision        string
	MergedBy        string
	MergedAt        *time.Time
	LastScanned     time.Time
	CanBeMerged     bool
	RateLimitBucket string
}

// ChangeSet groups related runs/publishes across codebases.
type ChangeSet struct {
	ID    string
	State ChangeSetState
}

// Policy is a named publish policy: per-role publish mode + frequency +
// rate_limit_bucket.
type Policy struct {
	Name            string
	Mode            PublishMode
	Frequency       time.Duration
	RateLimitBucket string
	MaxOpen         int
}

// LastRun is the derived view last_run(codebase, campaign).
type LastRun struct {
	LastRunID           string
	LastEffectiveRunID  string
	LastUnabsorbedRunID string
}
