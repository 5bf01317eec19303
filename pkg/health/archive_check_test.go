package health

import (
	"context"
	"errors"
	"testing"
)

// mockObjectStore implements ObjectStore for testing.
type mockObjectStore struct {
	err error
}

func (m *mockObjectStore) HealthCheck(ctx context.Context) error { return m.err }

func TestArchiveCheck_Name(t *testing.T) {
	check := NewArchiveCheck(&mockObjectStore{})

	if check.Name() != "archive" {
		t.Errorf("expected name 'archive', got '%s'", check.Name())
	}
}

func TestArchiveCheck_Healthy(t *testing.T) {
	check := NewArchiveCheck(&mockObjectStore{})

	if err := check.Check(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	result := check.CheckDetailed(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", result.Status)
	}
}

func TestArchiveCheck_Unhealthy(t *testing.T) {
	check := NewArchiveCheck(&mockObjectStore{err: errors.New("bucket unreachable")})

	if err := check.Check(context.Background()); err == nil {
		t.Error("expected error for unreachable backend")
	}

	result := check.CheckDetailed(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", result.Status)
	}

	if result.Message != "bucket unreachable" {
		t.Errorf("expected error message in result, got %q", result.Message)
	}
}
