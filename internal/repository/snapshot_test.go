package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rerrors"
)

func seedSnapshot(t *testing.T, snaps repository.SnapshotRepository, deviceID string, createdAt time.Time) *models.Snapshot {
	t.Helper()
	s := &models.Snapshot{
		DeviceID:  deviceID,
		Kind:      models.SnapshotConfig,
		CreatedAt: createdAt,
		Data:      []byte("gzip-blob-" + createdAt.Format(time.RFC3339Nano)),
		Meta: models.SnapshotMeta{
			UncompressedSize: 1024,
			CompressedSize:   200,
			Algorithm:        "gzip",
			Checksum:         "deadbeef",
			Source:           models.SnapshotSourceREST,
		},
	}
	require.NoError(t, snaps.Create(context.Background(), s))
	return s
}

func TestSnapshotRepositoryGetLatest(t *testing.T) {
	db, devices := newRepos(t)
	snaps := repository.NewSnapshotRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	base := time.Now().UTC().Add(-time.Hour)
	seedSnapshot(t, snaps, "dev-01", base)
	newest := seedSnapshot(t, snaps, "dev-01", base.Add(30*time.Minute))
	seedSnapshot(t, snaps, "dev-01", base.Add(10*time.Minute))

	got, err := snaps.GetLatest(ctx, "dev-01", models.SnapshotConfig)
	require.NoError(t, err)
	assert.Equal(t, newest.ID, got.ID)
	assert.Equal(t, newest.Data, got.Data)
	assert.Equal(t, "gzip", got.Meta.Algorithm)

	_, err = snaps.GetLatest(ctx, "dev-nope", models.SnapshotConfig)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err))
}

func TestSnapshotRepositoryListByDevice(t *testing.T) {
	db, devices := newRepos(t)
	snaps := repository.NewSnapshotRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		seedSnapshot(t, snaps, "dev-01", base.Add(time.Duration(i)*time.Minute))
	}

	list, err := snaps.ListByDevice(ctx, "dev-01", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first, metadata only.
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
	assert.Nil(t, list[0].Data)
	assert.Equal(t, int64(1024), list[0].Meta.UncompressedSize)
}

func TestSnapshotRepositoryPrune(t *testing.T) {
	db, devices := newRepos(t)
	snaps := repository.NewSnapshotRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	base := time.Now().UTC().Add(-time.Hour)
	var newestIDs []string
	for i := 0; i < 5; i++ {
		s := seedSnapshot(t, snaps, "dev-01", base.Add(time.Duration(i)*time.Minute))
		if i >= 3 {
			newestIDs = append(newestIDs, s.ID)
		}
	}

	deleted, err := snaps.Prune(ctx, "dev-01", models.SnapshotConfig, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	list, err := snaps.ListByDevice(ctx, "dev-01", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, newestIDs, []string{list[0].ID, list[1].ID})

	// Nothing further to delete.
	deleted, err = snaps.Prune(ctx, "dev-01", models.SnapshotConfig, 2)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = snaps.Prune(ctx, "dev-01", models.SnapshotConfig, 0)
	assert.Equal(t, rerrors.ErrCodeValidation, rerrors.GetCode(err))
}

func TestSnapshotRepositoryDeviceCascade(t *testing.T) {
	db, devices := newRepos(t)
	snaps := repository.NewSnapshotRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)
	s := seedSnapshot(t, snaps, "dev-01", time.Now().UTC())

	require.NoError(t, devices.Delete(ctx, "dev-01"))
	_, err := snaps.Get(ctx, s.ID)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err),
		fmt.Sprintf("snapshot %s should be deleted with its device", s.ID))
}
