package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/enum"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://file:catalog_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFetchRobot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Robot{
		Name:         "att_infos_bitrix",
		Variant:      enum.RobotVariantRPA,
		MaxInstances: 3,
		MemLimitMB:   512,
		LifetimeSec:  600,
		ImageTag:     "v1.2",
	}
	require.NoError(t, s.CreateRobot(ctx, r))

	all, err := s.ActiveByVariant(ctx, enum.RobotVariantRPA)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "att_infos_bitrix", all[0].Name)
	require.True(t, all[0].Active)
}

func TestCreateRobot_DuplicateNameIsAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Robot{Name: "daily-export", Variant: enum.RobotVariantCronjob}
	require.NoError(t, s.CreateRobot(ctx, r))

	err := s.CreateRobot(ctx, &Robot{Name: "daily-export", Variant: enum.RobotVariantCronjob})
	require.Error(t, err)
	ae, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.KindAlreadyExists, ae.Kind)
}

func TestDeactivateThenActivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRobot(ctx, &Robot{Name: "daily-export", Variant: enum.RobotVariantCronjob}))
	require.False(t, func() []Robot { r, _ := s.All(ctx); return r }()[0].Suspended)
	require.NoError(t, s.Deactivate(ctx, "daily-export"))

	robots, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 1)
	require.False(t, robots[0].Active)
	require.True(t, robots[0].Suspended)
	require.NotNil(t, robots[0].DeactivatedAt)

	require.NoError(t, s.Activate(ctx, "daily-export"))
	robots, err = s.All(ctx)
	require.NoError(t, err)
	require.True(t, robots[0].Active)
	require.False(t, robots[0].Suspended)
	require.Nil(t, robots[0].DeactivatedAt)
}

func TestDeactivate_MissingRobotIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Deactivate(context.Background(), "does-not-exist")
	require.Error(t, err)
	ae, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.KindNotFound, ae.Kind)
}

func TestFailureRecord_DedupAndRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	f := &FailureRecord{ID: "f1", PodName: "rpa-job-x-abcde", FailedAt: now.Add(-10 * 24 * time.Hour)}
	require.NoError(t, s.InsertFailure(ctx, f))

	exists, err := s.FailureExists(ctx, "rpa-job-x-abcde")
	require.NoError(t, err)
	require.True(t, exists)

	// inserting the same pod name again is a dedup no-op, not an error
	require.NoError(t, s.InsertFailure(ctx, f))

	pruned, err := s.PruneFailuresOlderThan(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	exists, err = s.FailureExists(ctx, "rpa-job-x-abcde")
	require.NoError(t, err)
	require.False(t, exists)
}
