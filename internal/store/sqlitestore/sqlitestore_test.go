package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardpost-monitor/internal/healthclient"
	"guardpost-monitor/internal/probe"
)

func openTestStore(t *testing.T, maxHistory int) *Store {
	t.Helper()

	s, err := Open(Config{
		Path:       filepath.Join(t.TempDir(), "probes.db"),
		MaxHistory: maxHistory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testResult(id, target string, observedAt time.Time, ready bool) *probe.Result {
	result := &probe.Result{
		ID:         id,
		Target:     target,
		ObservedAt: observedAt,
		Ready:      ready,
	}
	if ready {
		result.Status = &healthclient.HealthStatus{
			Status:    healthclient.StatusReady,
			Checks:    map[string]string{"database": healthclient.CheckOK},
			Timestamp: observedAt.Format(time.RFC3339),
		}
	} else {
		result.Error = "health check timed out after 5s"
	}
	return result
}

func TestOpen_EmptyPath(t *testing.T) {
	s, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite path is required")
	assert.Nil(t, s)
}

func TestRecordAndHistory(t *testing.T) {
	s := openTestStore(t, 0)

	base := time.Date(2025, 11, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(context.Background(), testResult("id-1", "backend", base, true)))
	require.NoError(t, s.Record(context.Background(), testResult("id-2", "backend", base.Add(time.Minute), false)))
	require.NoError(t, s.Record(context.Background(), testResult("id-3", "other", base, true)))

	results, err := s.History(context.Background(), "backend", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Newest first
	assert.Equal(t, "id-2", results[0].ID)
	assert.Equal(t, "id-1", results[1].ID)

	// Payload round-trips intact
	assert.False(t, results[0].Ready)
	assert.Equal(t, "health check timed out after 5s", results[0].Error)
	assert.True(t, results[1].Ready)
	require.NotNil(t, results[1].Status)
	assert.Equal(t, healthclient.CheckOK, results[1].Status.Checks["database"])
}

func TestHistory_Limit(t *testing.T) {
	s := openTestStore(t, 0)

	base := time.Date(2025, 11, 29, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		result := testResult(fmt.Sprintf("id-%d", i), "backend", base.Add(time.Duration(i)*time.Minute), true)
		require.NoError(t, s.Record(context.Background(), result))
	}

	results, err := s.History(context.Background(), "backend", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "id-4", results[0].ID)
	assert.Equal(t, "id-3", results[1].ID)
}

func TestHistory_UnknownTarget(t *testing.T) {
	s := openTestStore(t, 0)

	results, err := s.History(context.Background(), "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecord_PrunesOldRows(t *testing.T) {
	s := openTestStore(t, 3)

	base := time.Date(2025, 11, 29, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		result := testResult(fmt.Sprintf("id-%d", i), "backend", base.Add(time.Duration(i)*time.Minute), true)
		require.NoError(t, s.Record(context.Background(), result))
	}

	results, err := s.History(context.Background(), "backend", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "id-4", results[0].ID)
	assert.Equal(t, "id-2", results[2].ID)
}

func TestCheckHealth(t *testing.T) {
	s := openTestStore(t, 0)
	assert.NoError(t, s.CheckHealth(context.Background()))
}

func TestClose(t *testing.T) {
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "probes.db")})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
