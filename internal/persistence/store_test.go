package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

func setupStore(t *testing.T) *Store {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), ".opencode", "background-tasks.json")
	return NewStore(path, log)
}

func TestSaveLoad(t *testing.T) {
	t.Run("round trip preserves terminal tasks", func(t *testing.T) {
		s := setupStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		tasks := map[string]*models.Task{
			"bg_deadbeef": {
				ID:                "bg_deadbeef",
				ParentSessionID:   "parent-1",
				Agent:             "explorer",
				Description:       "find tests",
				Prompt:            "list test files",
				Model:             "anthropic/claude",
				Status:            models.StatusCompleted,
				StateVersion:      3,
				NotificationState: models.NotificationSent,
				Result:            "Result",
				StartedAt:         now,
				CompletedAt:       &now,
			},
		}
		require.NoError(t, s.Save(tasks))

		restored := s.Load()
		require.Len(t, restored, 1)
		task := restored["bg_deadbeef"]
		require.NotNil(t, task)
		assert.Equal(t, models.StatusCompleted, task.Status)
		assert.EqualValues(t, 3, task.StateVersion)
		assert.Equal(t, "Result", task.Result)
		assert.True(t, now.Equal(task.StartedAt))
	})

	t.Run("missing file yields empty state", func(t *testing.T) {
		s := setupStore(t)
		assert.Empty(t, s.Load())
	})

	t.Run("corrupt file yields empty state", func(t *testing.T) {
		s := setupStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))
		assert.Empty(t, s.Load())
	})

	t.Run("newer schema yields empty state", func(t *testing.T) {
		s := setupStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		doc := map[string]any{"schemaVersion": SchemaVersion + 1, "tasks": map[string]any{}}
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.Path(), data, 0o644))
		assert.Empty(t, s.Load())
	})
}

func TestRecovery(t *testing.T) {
	t.Run("non-terminal tasks are failed on restore", func(t *testing.T) {
		s := setupStore(t)
		tasks := map[string]*models.Task{
			"bg_00000001": {ID: "bg_00000001", Status: models.StatusRunning, StateVersion: 2},
			"bg_00000002": {ID: "bg_00000002", Status: models.StatusStarting, StateVersion: 1},
			"bg_00000003": {ID: "bg_00000003", Status: models.StatusPending},
			"bg_00000004": {ID: "bg_00000004", Status: models.StatusCompleted, StateVersion: 3, Result: "ok"},
		}
		require.NoError(t, s.Save(tasks))

		restored := s.Load()
		for _, id := range []string{"bg_00000001", "bg_00000002", "bg_00000003"} {
			task := restored[id]
			require.NotNil(t, task, id)
			assert.Equal(t, models.StatusFailed, task.Status, id)
			assert.Contains(t, task.Error, InterruptedError, id)
			require.NotNil(t, task.CompletedAt, id)
		}
		assert.Equal(t, models.StatusCompleted, restored["bg_00000004"].Status)
		assert.Equal(t, "ok", restored["bg_00000004"].Result)
	})

	t.Run("missing optional fields get defaults", func(t *testing.T) {
		s := setupStore(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
		raw := `{
			"schemaVersion": 1,
			"tasks": {
				"bg_0000000a": {"status": "completed", "parentSessionId": "p"}
			}
		}`
		require.NoError(t, os.WriteFile(s.Path(), []byte(raw), 0o644))

		restored := s.Load()
		task := restored["bg_0000000a"]
		require.NotNil(t, task)
		assert.Equal(t, "bg_0000000a", task.ID)
		assert.Zero(t, task.StateVersion)
		assert.Equal(t, models.NotificationPending, task.NotificationState)
		assert.Equal(t, models.DefaultModel, task.Model)
	})

	t.Run("save writes atomically leaving no temp files", func(t *testing.T) {
		s := setupStore(t)
		require.NoError(t, s.Save(map[string]*models.Task{}))
		entries, err := os.ReadDir(filepath.Dir(s.Path()))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, filepath.Base(s.Path()), entries[0].Name())
	})
}
