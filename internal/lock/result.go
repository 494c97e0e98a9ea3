package lock

// Action describes the operation in flight or its terminal state.
// It is never persisted.
type Action string

// Actions.
const (
	ActionGet     Action = "GET"
	ActionAcquire Action = "ACQUIRE"
	ActionRenew   Action = "RENEW"
	ActionRelease Action = "RELEASE"
	ActionSuccess Action = "SUCCESS"
	ActionFailed  Action = "FAILED"
)

// Outcome names the branch an operation took. It feeds logs and metrics.
type Outcome string

// Acquire outcomes.
const (
	OutcomeAcquired          Outcome = "ACQUIRED"
	OutcomeLockReplaced      Outcome = "LOCK_REPLACED"
	OutcomeAcquireConflict   Outcome = "ACQUIRE_CONFLICT"
	OutcomeAcquireError      Outcome = "ACQUIRE_ERROR"
	OutcomeAcquireMaxRetries Outcome = "ACQUIRE_MAX_RETRIES"
)

// Renew outcomes.
const (
	OutcomeRenewed         Outcome = "RENEWED"
	OutcomeRenewNotFound   Outcome = "RENEW_NOT_FOUND"
	OutcomeRenewMismatch   Outcome = "RENEW_MISMATCH"
	OutcomeRenewExpired    Outcome = "RENEW_EXPIRED"
	OutcomeRenewConflict   Outcome = "RENEW_CONFLICT"
	OutcomeRenewError      Outcome = "RENEW_ERROR"
	OutcomeRenewMaxRetries Outcome = "RENEW_MAX_RETRIES"
)

// Release outcomes.
const (
	OutcomeReleased          Outcome = "RELEASED"
	OutcomeReleasedNotFound  Outcome = "RELEASED_NOT_FOUND"
	OutcomeReleasedExpired   Outcome = "RELEASED_EXPIRED"
	OutcomeReleaseConflict   Outcome = "RELEASE_CONFLICT"
	OutcomeReleaseError      Outcome = "RELEASE_ERROR"
	OutcomeReleaseMaxRetries Outcome = "RELEASE_MAX_RETRIES"
)

// RetriesExhausted reports whether the outcome is a compare-and-swap retry
// budget running out, as opposed to an ordinary conflict.
func (o Outcome) RetriesExhausted() bool {
	switch o {
	case OutcomeAcquireMaxRetries, OutcomeRenewMaxRetries, OutcomeReleaseMaxRetries:
		return true
	}
	return false
}

// IsError reports whether the outcome came from a backend failure.
func (o Outcome) IsError() bool {
	switch o {
	case OutcomeAcquireError, OutcomeRenewError, OutcomeReleaseError:
		return true
	}
	return false
}

// Result is what callers get back from an operation: the record as the
// backend left it, plus the transient action, success flag and outcome.
type Result struct {
	Record
	Action  Action  `json:"-"`
	Success *bool   `json:"success,omitempty"`
	Outcome Outcome `json:"-"`
}

// NewResult wraps a copy of rec with the given action and an unresolved
// success flag.
func NewResult(rec *Record, action Action) *Result {
	res := &Result{Action: action}
	if rec != nil {
		res.Record = *rec
	}
	return res
}

// Succeeded marks the result successful and keeps its fields.
func (r *Result) Succeeded(outcome Outcome) *Result {
	r.Action = ActionSuccess
	r.Success = boolPtr(true)
	r.Outcome = outcome
	return r
}

// Cleared marks the result successful and drops every field except the key.
func (r *Result) Cleared(outcome Outcome) *Result {
	r.redact()
	return r.Succeeded(outcome)
}

// Failed marks the result failed and drops every field except the key, so a
// conflict never reveals the current holder.
func (r *Result) Failed(outcome Outcome) *Result {
	r.redact()
	r.Action = ActionFailed
	r.Success = boolPtr(false)
	r.Outcome = outcome
	return r
}

// IsSuccess reports whether the operation resolved successfully.
func (r *Result) IsSuccess() bool {
	return r.Success != nil && *r.Success
}

func (r *Result) redact() {
	r.Owner = ""
	r.InstanceID = ""
	r.LeaseDuration = 0
	r.Expiry = 0
}

// Acquired builds a successful acquire result.
func Acquired(rec *Record, replaced bool) *Result {
	outcome := OutcomeAcquired
	if replaced {
		outcome = OutcomeLockReplaced
	}
	return NewResult(rec, ActionAcquire).Succeeded(outcome)
}

// Rejected builds a failed result for req.
func Rejected(req *Record, action Action, outcome Outcome) *Result {
	return NewResult(req, action).Failed(outcome)
}

// Released builds a cleared release result for req.
func Released(req *Record, outcome Outcome) *Result {
	return NewResult(req, ActionRelease).Cleared(outcome)
}

func boolPtr(b bool) *bool {
	return &b
}
