package lock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullRecord() *Record {
	return &Record{
		Namespace:     "ns",
		LockName:      "name",
		Owner:         "alice",
		InstanceID:    "i-1",
		LeaseDuration: 60,
		Expiry:        1060,
	}
}

func TestResult_Failed(t *testing.T) {
	res := Rejected(fullRecord(), ActionAcquire, OutcomeAcquireConflict)

	assert.Equal(t, ActionFailed, res.Action)
	require.NotNil(t, res.Success)
	assert.False(t, *res.Success)
	assert.False(t, res.IsSuccess())
	assert.Equal(t, OutcomeAcquireConflict, res.Outcome)
	assert.Equal(t, Record{Namespace: "ns", LockName: "name"}, res.Record)
}

func TestResult_Cleared(t *testing.T) {
	res := Released(fullRecord(), OutcomeReleased)

	assert.Equal(t, ActionSuccess, res.Action)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, Record{Namespace: "ns", LockName: "name"}, res.Record)
}

func TestAcquired(t *testing.T) {
	res := Acquired(fullRecord(), false)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
	assert.Equal(t, *fullRecord(), res.Record)
	assert.True(t, res.IsSuccess())

	res = Acquired(fullRecord(), true)
	assert.Equal(t, OutcomeLockReplaced, res.Outcome)
}

func TestNewResult_CopiesRecord(t *testing.T) {
	rec := fullRecord()
	res := NewResult(rec, ActionRenew)
	res.Owner = "bob"

	assert.Equal(t, "alice", rec.Owner)
	assert.Nil(t, res.Success)
	assert.Equal(t, ActionRenew, res.Action)
}

func TestOutcome_Classification(t *testing.T) {
	assert.True(t, OutcomeAcquireMaxRetries.RetriesExhausted())
	assert.True(t, OutcomeRenewMaxRetries.RetriesExhausted())
	assert.True(t, OutcomeReleaseMaxRetries.RetriesExhausted())
	assert.False(t, OutcomeAcquireConflict.RetriesExhausted())

	assert.True(t, OutcomeRenewError.IsError())
	assert.False(t, OutcomeRenewMismatch.IsError())
}

func TestResult_JSONHidesTransientFields(t *testing.T) {
	data, err := json.Marshal(Rejected(fullRecord(), ActionRenew, OutcomeRenewExpired))
	require.NoError(t, err)
	assert.JSONEq(t, `{"namespace":"ns","lockName":"name","success":false}`, string(data))

	data, err = json.Marshal(NewResult(&Record{Namespace: "ns", LockName: "name"}, ActionGet))
	require.NoError(t, err)
	assert.JSONEq(t, `{"namespace":"ns","lockName":"name"}`, string(data))
}
