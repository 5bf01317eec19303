//go:build integration

package output

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/pkg/testutil"
)

var testMinio *testutil.MinioContainer

func TestMain(m *testing.M) {
	if !testutil.IsDockerAvailable() {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	mc, err := testutil.NewMinioContainer(ctx, testutil.DefaultMinioConfig())
	if err != nil {
		panic("failed to start minio container: " + err.Error())
	}
	testMinio = mc

	code := m.Run()

	mc.Terminate(ctx)
	os.Exit(code)
}

func newIntegrationArchive(t *testing.T, bucket string, inlineLimit int) *Archive {
	t.Helper()

	archive, err := NewArchive(Config{
		Endpoint:        testMinio.Endpoint,
		Bucket:          bucket,
		AccessKeyID:     testMinio.AccessKeyID,
		SecretAccessKey: testMinio.SecretAccessKey,
		InlineLimit:     inlineLimit,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, archive.Connect(context.Background()))
	return archive
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive := newIntegrationArchive(t, "round-trip", 32)

	t.Run("small output stays inline", func(t *testing.T) {
		inline, ref, err := archive.Store(ctx, uuid.New(), "all done")
		require.NoError(t, err)
		assert.Equal(t, "all done", inline)
		assert.Nil(t, ref)
	})

	t.Run("oversized output round trips", func(t *testing.T) {
		instanceID := uuid.New()
		output := strings.Repeat("0123456789", 100)

		inline, ref, err := archive.Store(ctx, instanceID, output)
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, output[:32], inline)

		rc, err := archive.Fetch(ctx, *ref)
		require.NoError(t, err)
		defer rc.Close()

		fetched, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, output, string(fetched))
	})

	t.Run("presigned url downloads the object", func(t *testing.T) {
		instanceID := uuid.New()
		output := strings.Repeat("presigned ", 10)

		_, ref, err := archive.Store(ctx, instanceID, output)
		require.NoError(t, err)
		require.NotNil(t, ref)

		u, err := archive.PresignedURL(ctx, *ref, time.Minute)
		require.NoError(t, err)

		resp, err := http.Get(u)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, output, string(body))
	})

	t.Run("fetch after delete fails", func(t *testing.T) {
		instanceID := uuid.New()
		_, ref, err := archive.Store(ctx, instanceID, strings.Repeat("x", 64))
		require.NoError(t, err)
		require.NotNil(t, ref)

		require.NoError(t, archive.Delete(ctx, *ref))

		_, err = archive.Fetch(ctx, *ref)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "archived output not found")
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, archive.HealthCheck(ctx))
	})
}

func TestSweeperAgainstStorage(t *testing.T) {
	ctx := context.Background()
	archive := newIntegrationArchive(t, "sweep", 8)

	instanceID := uuid.New()
	_, ref, err := archive.Store(ctx, instanceID, strings.Repeat("old output ", 20))
	require.NoError(t, err)
	require.NotNil(t, ref)

	index := &fakeIndex{refs: []database.ArchivedOutput{{InstanceID: instanceID, Key: *ref}}}
	sweeper := NewSweeper(index, archive, stubLeader{leader: true}, nil, SweeperConfig{
		Interval:  time.Hour,
		Retention: time.Minute,
		BatchSize: 10,
	})

	require.NoError(t, sweeper.SweepOnce(ctx))
	assert.Zero(t, index.remaining())

	_, err = archive.Fetch(ctx, *ref)
	require.Error(t, err, "swept object must be gone from storage")
}
