// Package persistence serializes the task table to an on-disk JSON document
// for crash recovery. The document is written atomically (full write to a
// temp file, then rename) and only read at startup.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// SchemaVersion is bumped when the on-disk layout changes incompatibly.
const SchemaVersion = 1

// InterruptedError is recorded on tasks restored in a non-terminal state.
const InterruptedError = "Task interrupted by process restart"

// document is the on-disk layout.
type document struct {
	SchemaVersion int                     `json:"schemaVersion"`
	SavedAt       time.Time               `json:"savedAt"`
	Tasks         map[string]*models.Task `json:"tasks"`
}

// Store reads and writes the persisted task table.
type Store struct {
	path   string
	logger *logger.Logger
}

// NewStore creates a store writing to path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "persistence")),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Save writes the full task table atomically. Errors are surfaced to the
// caller.
func (s *Store) Save(tasks map[string]*models.Task) error {
	doc := document{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Tasks:         tasks,
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return taskerr.Persistence("marshal", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return taskerr.Persistence("mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".background-tasks-*.json")
	if err != nil {
		return taskerr.Persistence("create temp", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return taskerr.Persistence("write", err)
	}
	if err := tmp.Close(); err != nil {
		return taskerr.Persistence("close", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return taskerr.Persistence("rename", err)
	}

	s.logger.Debug("state saved",
		zap.String("path", s.path),
		zap.Int("tasks", len(tasks)))
	return nil
}

// Load reads the persisted table. A missing or unreadable file yields an
// empty table: recovery never fails startup. Restored tasks get defaults
// for fields added after they were written, and any task persisted in a
// non-terminal running/starting state is forced to failed since its child
// session did not survive the restart.
func (s *Store) Load() map[string]*models.Task {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state file unreadable, starting empty",
				zap.String("path", s.path),
				zap.Error(err))
		}
		return map[string]*models.Task{}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("state file corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err))
		return map[string]*models.Task{}
	}
	if doc.SchemaVersion > SchemaVersion {
		s.logger.Warn("state file from a newer schema, starting empty",
			zap.Int("schema_version", doc.SchemaVersion))
		return map[string]*models.Task{}
	}
	if doc.Tasks == nil {
		return map[string]*models.Task{}
	}

	recovered := 0
	for id, task := range doc.Tasks {
		if task == nil {
			delete(doc.Tasks, id)
			continue
		}
		task.ID = id
		applyDefaults(task)
		if recoverInterrupted(task) {
			recovered++
		}
	}

	s.logger.Info("state restored",
		zap.String("path", s.path),
		zap.Int("tasks", len(doc.Tasks)),
		zap.Int("interrupted", recovered))
	return doc.Tasks
}

// applyDefaults fills fields that older schema versions did not persist.
func applyDefaults(task *models.Task) {
	if task.NotificationState == "" {
		task.NotificationState = models.NotificationPending
	}
	if task.Model == "" {
		task.Model = models.DefaultModel
	}
}

// recoverInterrupted forces non-terminal restored tasks to failed. Pending
// tasks never started a session and are failed the same way; the admission
// queue is not replayed.
func recoverInterrupted(task *models.Task) bool {
	if task.Status.IsTerminal() {
		return false
	}
	task.Status = models.StatusFailed
	task.StateVersion++
	if task.Error == "" {
		task.Error = InterruptedError
	} else {
		task.Error = fmt.Sprintf("%s: %s", InterruptedError, task.Error)
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	return true
}
