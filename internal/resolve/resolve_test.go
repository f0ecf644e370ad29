package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/edusync/internal/model"
)

var (
	t0 = time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func pair() (model.Record, model.Record) {
	local := model.Record{
		ID: "a1", OwnerID: "u1", SyncStatus: model.StatePending, LastUpdated: t2,
		Fields: map[string]any{"title": "Local title", "points": 10.0, "tags": []any{"draft"}},
	}
	remote := model.Record{
		ID: "a1", OwnerID: "u1", SyncStatus: model.StateSynced, LastUpdated: t1, IntegrationID: "lms",
		Fields: map[string]any{"title": "Remote title", "points": 20.0, "tags": []any{"final"}},
	}

	return local, remote
}

func TestResolve_Policies(t *testing.T) {
	tests := []struct {
		policy       model.ConflictPolicy
		wantTitle    string
		wantStatus   model.SyncState
		wantConflict bool
		wantPush     bool
	}{
		{model.PolicyRemoteWins, "Remote title", model.StateSynced, false, false},
		{model.PolicyLocalWins, "Local title", model.StatePending, false, true},
		{model.PolicyManual, "Local title", model.StateConflict, true, false},
		// No per-field timestamps: merge degrades to remote_wins.
		{model.PolicyMerge, "Remote title", model.StateSynced, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			local, remote := pair()

			res := Resolve(&local, &remote, tt.policy)

			assert.Equal(t, tt.wantTitle, res.Record.Fields["title"])
			assert.Equal(t, tt.wantStatus, res.Record.SyncStatus)
			assert.Equal(t, tt.wantConflict, res.Conflict)
			assert.Equal(t, tt.wantPush, res.Push)

			if tt.wantConflict {
				require.NotNil(t, res.Remote)
				assert.Equal(t, "Remote title", res.Remote.Fields["title"])
				assert.ErrorIs(t, res.Check(), ErrConflictUnresolved)
			} else {
				assert.Nil(t, res.Remote)
				assert.NoError(t, res.Check())
			}
		})
	}
}

func TestResolve_RemoteWinsIgnoresTimestamps(t *testing.T) {
	local, remote := pair()
	local.LastUpdated = t2.Add(24 * time.Hour)

	res := Resolve(&local, &remote, model.PolicyRemoteWins)
	assert.Equal(t, "Remote title", res.Record.Fields["title"])
}

func TestResolve_IsPure(t *testing.T) {
	for _, policy := range []model.ConflictPolicy{model.PolicyRemoteWins, model.PolicyLocalWins, model.PolicyMerge, model.PolicyManual} {
		local, remote := pair()
		local.FieldUpdated = map[string]time.Time{"title": t2}
		remote.FieldUpdated = map[string]time.Time{"points": t2}

		localBefore, remoteBefore := local.Clone(), remote.Clone()

		first := Resolve(&local, &remote, policy)
		second := Resolve(&local, &remote, policy)

		assert.Equal(t, localBefore, local, policy)
		assert.Equal(t, remoteBefore, remote, policy)
		assert.Equal(t, first, second, policy)

		// Mutating the result must not reach the inputs.
		first.Record.Fields["tags"] = "changed"
		assert.Equal(t, localBefore, local, policy)
		assert.Equal(t, remoteBefore, remote, policy)
	}
}

func TestResolve_MergePerField(t *testing.T) {
	local, remote := pair()
	local.FieldUpdated = map[string]time.Time{"title": t2, "points": t0, "tags": t1}
	remote.FieldUpdated = map[string]time.Time{"title": t1, "points": t1, "tags": t1}

	res := Resolve(&local, &remote, model.PolicyMerge)

	// title: local changed it later.
	assert.Equal(t, "Local title", res.Record.Fields["title"])
	// points: remote changed it later.
	assert.InDelta(t, 20.0, res.Record.Fields["points"], 0)
	// tags: tie goes to remote.
	assert.Equal(t, []any{"final"}, res.Record.Fields["tags"])

	assert.Equal(t, model.StatePending, res.Record.SyncStatus)
	assert.True(t, res.Push)
	assert.Equal(t, t2, res.Record.FieldUpdated["title"])
	assert.Equal(t, t2, res.Record.LastUpdated)
	assert.Equal(t, "lms", res.Record.IntegrationID)
}

func TestResolve_MergeLocalOnlyTimestamps(t *testing.T) {
	local, remote := pair()
	local.FieldUpdated = map[string]time.Time{"title": t2, "points": t2}

	res := Resolve(&local, &remote, model.PolicyMerge)

	// Without a remote timestamp there is nothing to compare against.
	assert.Equal(t, "Remote title", res.Record.Fields["title"])
	assert.InDelta(t, 20.0, res.Record.Fields["points"], 0)
	assert.Equal(t, model.StateSynced, res.Record.SyncStatus)
	assert.False(t, res.Push)
}

func TestResolve_MergeRemoteOnlyTimestamps(t *testing.T) {
	local, remote := pair()
	remote.FieldUpdated = map[string]time.Time{"title": t0}

	res := Resolve(&local, &remote, model.PolicyMerge)

	assert.Equal(t, "Remote title", res.Record.Fields["title"])
	assert.Equal(t, model.StateSynced, res.Record.SyncStatus)
	assert.False(t, res.Push)
}

func TestResolve_OneSided(t *testing.T) {
	local, remote := pair()

	onlyRemote := Resolve(nil, &remote, model.PolicyManual)
	assert.Equal(t, "Remote title", onlyRemote.Record.Fields["title"])
	assert.False(t, onlyRemote.Conflict)

	onlyLocal := Resolve(&local, nil, model.PolicyRemoteWins)
	assert.Equal(t, "Local title", onlyLocal.Record.Fields["title"])
	assert.True(t, onlyLocal.Push)
}

func TestResolve_IdenticalContentIsNotAConflict(t *testing.T) {
	local, remote := pair()
	local.Fields = remote.Clone().Fields

	res := Resolve(&local, &remote, model.PolicyManual)
	assert.False(t, res.Conflict)
	assert.Equal(t, model.StateSynced, res.Record.SyncStatus)
}

func TestResolve_SyncedLocalStillFollowsPolicy(t *testing.T) {
	tests := []struct {
		policy       model.ConflictPolicy
		wantTitle    string
		wantStatus   model.SyncState
		wantConflict bool
		wantPush     bool
	}{
		{model.PolicyRemoteWins, "Remote title", model.StateSynced, false, false},
		{model.PolicyLocalWins, "Local title", model.StatePending, false, true},
		{model.PolicyManual, "Local title", model.StateConflict, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			local, remote := pair()
			local.SyncStatus = model.StateSynced

			res := Resolve(&local, &remote, tt.policy)

			assert.Equal(t, tt.wantTitle, res.Record.Fields["title"])
			assert.Equal(t, tt.wantStatus, res.Record.SyncStatus)
			assert.Equal(t, tt.wantConflict, res.Conflict)
			assert.Equal(t, tt.wantPush, res.Push)

			if tt.wantConflict {
				require.NotNil(t, res.Remote)
				assert.Equal(t, "Remote title", res.Remote.Fields["title"])
			}
		})
	}
}
