package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

func ptr(s string) *string { return &s }

func TestChecksumsMatch(t *testing.T) {
	tests := []struct {
		name  string
		a, b  *string
		match bool
	}{
		{name: "both null", a: nil, b: nil, match: true},
		{name: "null and value", a: nil, b: ptr("x"), match: false},
		{name: "value and null", a: ptr("x"), b: nil, match: false},
		{name: "equal values", a: ptr("x"), b: ptr("x"), match: true},
		{name: "different values", a: ptr("x"), b: ptr("y"), match: false},
		{name: "empty and null", a: ptr(""), b: nil, match: false},
		{name: "both empty", a: ptr(""), b: ptr(""), match: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, model.ChecksumsMatch(tt.a, tt.b))
			require.Equal(t, tt.match, model.ChecksumsMatch(tt.b, tt.a), "symmetric")
			require.Equal(t, tt.match, model.RangeChecksum{Checksum: tt.a}.Matches(model.RangeChecksum{Checksum: tt.b}))
		})
	}
}

func TestIDRange(t *testing.T) {
	t.Run("split even length", func(t *testing.T) {
		l, r := model.IDRange{Min: 1, Max: 10}.Split()
		require.Equal(t, model.IDRange{Min: 1, Max: 5}, l)
		require.Equal(t, model.IDRange{Min: 6, Max: 10}, r)
	})

	t.Run("split odd length", func(t *testing.T) {
		l, r := model.IDRange{Min: 1, Max: 9}.Split()
		require.Equal(t, model.IDRange{Min: 1, Max: 5}, l)
		require.Equal(t, model.IDRange{Min: 6, Max: 9}, r)
	})

	t.Run("split two ids", func(t *testing.T) {
		l, r := model.IDRange{Min: 7, Max: 8}.Split()
		require.True(t, l.Single())
		require.True(t, r.Single())
		require.Equal(t, int64(7), l.Min)
		require.Equal(t, int64(8), r.Min)
	})

	t.Run("len", func(t *testing.T) {
		require.EqualValues(t, 1, model.IDRange{Min: 3, Max: 3}.Len())
		require.EqualValues(t, 10, model.IDRange{Min: 1, Max: 10}.Len())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := model.NewIDRange(5, 4)
		require.Error(t, err)
		r, err := model.NewIDRange(4, 4)
		require.NoError(t, err)
		require.Equal(t, "[4, 4]", r.String())
	})
}

func TestTransient(t *testing.T) {
	require.Nil(t, model.Transient(nil))

	base := errors.New("connection reset")
	err := fmt.Errorf("polling: %w", model.Transient(base))
	require.True(t, model.IsTransient(err))
	require.ErrorIs(t, err, base)
	require.False(t, model.IsTransient(base))
}

func TestRequests(t *testing.T) {
	r := model.IDRange{Min: 10, Max: 20}

	checksum := model.NewChecksumRequest("users", r, "salt")
	got, ok := checksum.Range()
	require.True(t, ok)
	require.Equal(t, r, got)
	require.Equal(t, model.OperationChecksum, checksum.Operation)

	backup := model.NewBackupRequest("users", r, 100, model.DefaultAliasType)
	restore := model.NewRestoreRequest("users", "key-1", 100, model.DefaultAliasType)
	require.Equal(t, backup.AliasType, restore.AliasType)
	_, ok = restore.Range()
	require.False(t, ok)

	del := model.NewDeleteRequest("users", []int64{1, 2})
	require.Equal(t, []int64{1, 2}, del.IDs)
}

func TestJobs(t *testing.T) {
	r := model.IDRange{Min: 1, Max: 3}
	jobs := []model.DestinationJob{
		model.RestoreJob{Type: "users", BackupFileKey: "k", Range: &r},
		model.DeleteJob{Type: "groups", IDs: []int64{4}},
	}
	require.Equal(t, model.MigrationType("users"), jobs[0].MigrationType())
	require.Equal(t, model.MigrationType("groups"), jobs[1].MigrationType())
	require.Equal(t, `restore users [1, 3] from "k"`, jobs[0].String())
	require.Equal(t, "delete 1 groups rows", jobs[1].String())

	require.True(t, model.JobStateComplete.Terminal())
	require.True(t, model.JobStateFailed.Terminal())
	require.False(t, model.JobStateProcessing.Terminal())
	require.NotEqual(t, model.NewSalt(), model.NewSalt())
}
