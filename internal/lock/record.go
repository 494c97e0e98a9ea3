package lock

// Record is the persisted state of a lock. Zero values stand for absent
// fields: an empty Owner or InstanceID, a zero LeaseDuration or Expiry.
type Record struct {
	Namespace     string `json:"namespace,omitempty"`
	LockName      string `json:"lockName,omitempty"`
	Owner         string `json:"owner,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
	LeaseDuration int64  `json:"leaseDuration,omitempty"`
	Expiry        int64  `json:"expiry,omitempty"`
}

// Key returns the backend key for a namespace and lock name.
func Key(namespace, lockName string) string {
	return namespace + ":" + lockName
}

// Key returns the backend key of the record.
func (r *Record) Key() string {
	return Key(r.Namespace, r.LockName)
}

// Matches reports whether every non-empty identity field of candidate equals
// the corresponding field of r. Empty candidate fields match anything.
func (r *Record) Matches(candidate *Record) bool {
	if candidate == nil {
		return false
	}
	if candidate.Namespace != "" && candidate.Namespace != r.Namespace {
		return false
	}
	if candidate.LockName != "" && candidate.LockName != r.LockName {
		return false
	}
	if candidate.Owner != "" && candidate.Owner != r.Owner {
		return false
	}
	if candidate.InstanceID != "" && candidate.InstanceID != r.InstanceID {
		return false
	}
	return true
}

// HeldBy reports whether the record belongs to the requester's owner and instance.
func (r *Record) HeldBy(req *Record) bool {
	return r.Owner == req.Owner && r.InstanceID == req.InstanceID
}

// IsExpired reports whether the lease ended before now. A record whose expiry
// equals now is still held.
func (r *Record) IsExpired(now int64) bool {
	return r.Expiry != 0 && r.Expiry < now
}

// IsActive is the negation of IsExpired.
func (r *Record) IsActive(now int64) bool {
	return !r.IsExpired(now)
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ForRead returns the view of the record exposed to readers. The instance id
// is never shown. An expired lock shows only its key; a live one hides its
// lease duration.
func (r *Record) ForRead(now int64) *Record {
	v := &Record{Namespace: r.Namespace, LockName: r.LockName}
	if r.IsExpired(now) {
		return v
	}
	v.Owner = r.Owner
	v.Expiry = r.Expiry
	return v
}
