package leader

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/database"
)

// MockLockRepo is a mock implementation of database.LockRepository.
type MockLockRepo struct {
	mock.Mock
}

func (m *MockLockRepo) TryAcquire(ctx context.Context, name, holderID string, knownRevision int64, ttl time.Duration) (bool, int64, error) {
	args := m.Called(ctx, name, holderID, knownRevision, ttl)
	return args.Bool(0), args.Get(1).(int64), args.Error(2)
}

func (m *MockLockRepo) Release(ctx context.Context, name, holderID string) error {
	args := m.Called(ctx, name, holderID)
	return args.Error(0)
}

func (m *MockLockRepo) Get(ctx context.Context, name string) (*database.Lock, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Lock), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(holder string) Config {
	return Config{
		LockName:      "test-leader",
		HolderID:      holder,
		TTL:           200 * time.Millisecond,
		RenewInterval: 10 * time.Millisecond,
	}
}

func waitTransition(t *testing.T, e *Elector) Transition {
	t.Helper()
	select {
	case tr := <-e.Transitions():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func TestElectorBecomesLeader(t *testing.T) {
	repo := new(MockLockRepo)
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(true, int64(1), nil)
	repo.On("Release", mock.Anything, "test-leader", "holder-a").Return(nil)

	e := NewElector(repo, testLogger(), testConfig("holder-a"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	tr := waitTransition(t, e)
	assert.True(t, tr.Leader)
	assert.Equal(t, int64(1), tr.Revision)
	assert.True(t, e.IsLeader())
	assert.Equal(t, int64(1), e.Revision())
}

func TestElectorStaysFollower(t *testing.T) {
	repo := new(MockLockRepo)
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-b", mock.Anything, mock.Anything).
		Return(false, int64(0), nil)

	e := NewElector(repo, testLogger(), testConfig("holder-b"))
	require.NoError(t, e.Start(context.Background()))

	select {
	case tr := <-e.Transitions():
		t.Fatalf("unexpected transition: %+v", tr)
	case <-time.After(60 * time.Millisecond):
	}
	assert.False(t, e.IsLeader())

	require.NoError(t, e.Stop(context.Background()))
	repo.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestElectorDemotedWhenLockLost(t *testing.T) {
	repo := new(MockLockRepo)
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(true, int64(3), nil).Once()
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(false, int64(3), nil)

	e := NewElector(repo, testLogger(), testConfig("holder-a"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	elected := waitTransition(t, e)
	require.True(t, elected.Leader)

	demoted := waitTransition(t, e)
	assert.False(t, demoted.Leader)
	assert.Equal(t, int64(3), demoted.Revision)
	assert.False(t, e.IsLeader())
}

func TestElectorRetriesAfterStorageError(t *testing.T) {
	repo := new(MockLockRepo)
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(false, int64(0), assert.AnError).Once()
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(true, int64(1), nil)
	repo.On("Release", mock.Anything, "test-leader", "holder-a").Return(nil)

	e := NewElector(repo, testLogger(), testConfig("holder-a"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	// The first attempt fails; the next tick succeeds anyway.
	tr := waitTransition(t, e)
	assert.True(t, tr.Leader)
}

func TestElectorReleasesOnStop(t *testing.T) {
	repo := new(MockLockRepo)
	repo.On("TryAcquire", mock.Anything, "test-leader", "holder-a", mock.Anything, mock.Anything).
		Return(true, int64(2), nil)
	repo.On("Release", mock.Anything, "test-leader", "holder-a").Return(nil)

	e := NewElector(repo, testLogger(), testConfig("holder-a"))
	require.NoError(t, e.Start(context.Background()))

	elected := waitTransition(t, e)
	require.True(t, elected.Leader)

	require.NoError(t, e.Stop(context.Background()))

	repo.AssertCalled(t, "Release", mock.Anything, "test-leader", "holder-a")
	assert.False(t, e.IsLeader())

	demoted := waitTransition(t, e)
	assert.False(t, demoted.Leader)
	assert.Equal(t, int64(2), demoted.Revision)
}

// fencedLock is an in-memory lock with the same conditional-update
// semantics as the database row.
type fencedLock struct {
	mu       sync.Mutex
	holder   string
	revision int64
	expires  time.Time
}

func (f *fencedLock) TryAcquire(_ context.Context, _, holderID string, knownRevision int64, ttl time.Duration) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	free := f.holder == "" || now.After(f.expires)
	renewal := f.holder == holderID && f.revision == knownRevision
	if !free && !renewal {
		return false, knownRevision, nil
	}

	f.revision++
	f.holder = holderID
	f.expires = now.Add(ttl)
	return true, f.revision, nil
}

func (f *fencedLock) Release(_ context.Context, _, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == holderID {
		f.holder = ""
		f.expires = time.Now()
	}
	return nil
}

func (f *fencedLock) Get(_ context.Context, _ string) (*database.Lock, error) {
	return nil, database.ErrNotFound
}

func TestSingleLeaderAmongCandidates(t *testing.T) {
	lock := &fencedLock{}

	a := NewElector(lock, testLogger(), testConfig("holder-a"))
	b := NewElector(lock, testLogger(), testConfig("holder-b"))

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer a.Stop(context.Background())
	defer b.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)

	leaders := 0
	if a.IsLeader() {
		leaders++
	}
	if b.IsLeader() {
		leaders++
	}
	require.Equal(t, 1, leaders, "exactly one elector may hold the lock")

	// Stopping the leader releases the lock; the follower takes over
	// without waiting out the TTL.
	first, second := a, b
	if b.IsLeader() {
		first, second = b, a
	}
	require.NoError(t, first.Stop(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for !second.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, second.IsLeader(), "remaining candidate should take over")
}
