package bgtasks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-plugins/bgtasks/internal/agents"
	"github.com/opencode-plugins/bgtasks/internal/common/config"
	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/manager"
	"github.com/opencode-plugins/bgtasks/internal/notify"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// echoHost completes every prompted session with a fixed reply.
type echoHost struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]bool
	reply    string
	plugin   *Plugin
}

func newEchoHost(reply string) *echoHost {
	return &echoHost{
		sessions: map[string]bool{"parent-1": true},
		reply:    reply,
	}
}

func (e *echoHost) CreateSession(ctx context.Context, req host.CreateSessionRequest) (*host.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("ses_%04d", e.nextID)
	e.sessions[id] = true
	return &host.Session{ID: id, ParentID: req.ParentID}, nil
}

func (e *echoHost) GetSession(ctx context.Context, sessionID string) (*host.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[sessionID] {
		return &host.Session{ID: sessionID}, nil
	}
	return nil, fmt.Errorf("session %s not found", sessionID)
}

func (e *echoHost) Prompt(ctx context.Context, req host.PromptRequest) error {
	e.mu.Lock()
	plugin := e.plugin
	e.mu.Unlock()
	if plugin != nil {
		go plugin.HandleSessionStatus(host.StatusEvent{SessionID: req.SessionID, Status: host.StatusIdle})
	}
	return nil
}

func (e *echoHost) Messages(ctx context.Context, sessionID string) ([]host.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []host.Message{
		{Info: host.MessageInfo{Role: host.RoleAssistant}, Parts: []host.Part{{Type: host.PartText, Text: e.reply}}},
	}, nil
}

func (e *echoHost) DeleteSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Manager.IdleDebounceMs = 20
	cfg.Manager.StatePath = filepath.Join(t.TempDir(), "background-tasks.json")
	cfg.Logging.Level = "error"
	return cfg
}

func TestPluginLifecycle(t *testing.T) {
	h := newEchoHost("everything checked")

	var sentMu sync.Mutex
	var sent []notify.Message
	plugin, err := New(Options{
		Host:   h,
		Config: testConfig(t),
		Sender: func(ctx context.Context, parentSessionID string, msg notify.Message) error {
			sentMu.Lock()
			defer sentMu.Unlock()
			sent = append(sent, msg)
			return nil
		},
	})
	require.NoError(t, err)
	h.plugin = plugin

	ctx := context.Background()
	plugin.Start(ctx)

	task, err := plugin.Manager().Launch(ctx, manager.LaunchRequest{
		ParentSessionID: "parent-1",
		Agent:           agents.Explorer,
		Description:     "full check",
		Prompt:          "check everything",
	})
	require.NoError(t, err)

	done := plugin.Manager().WaitForCompletion(ctx, task.ID, 2*time.Second)
	require.NotNil(t, done)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "everything checked", done.Result)

	sentMu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, task.ID, sent[0].TaskID)
	sentMu.Unlock()

	snap := plugin.Metrics().Snapshot()
	assert.True(t, snap.Healthy)
	assert.GreaterOrEqual(t, snap.Counters["task.created"], int64(1))

	require.NoError(t, plugin.Shutdown(ctx, 2*time.Second))
}

func TestPluginRestartRecovery(t *testing.T) {
	cfg := testConfig(t)
	h := newEchoHost("ok")

	plugin, err := New(Options{Host: h, Config: cfg})
	require.NoError(t, err)
	h.plugin = plugin
	plugin.Start(context.Background())

	task, err := plugin.Manager().Launch(context.Background(), manager.LaunchRequest{
		ParentSessionID: "parent-1",
		Agent:           agents.Explorer,
		Description:     "before restart",
		Prompt:          "work",
	})
	require.NoError(t, err)
	done := plugin.Manager().WaitForCompletion(context.Background(), task.ID, 2*time.Second)
	require.Equal(t, models.StatusCompleted, done.Status)
	require.NoError(t, plugin.Shutdown(context.Background(), 2*time.Second))

	// Second process: the terminal task survives with its result.
	restarted, err := New(Options{Host: newEchoHost("ok"), Config: cfg})
	require.NoError(t, err)
	restarted.Start(context.Background())
	defer restarted.Manager().Stop()

	restored := restarted.Manager().Get(task.ID)
	require.NotNil(t, restored)
	assert.Equal(t, models.StatusCompleted, restored.Status)
	assert.Equal(t, "ok", restored.Result)
}

func TestPluginRequiresHost(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
