package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Actor) {
	t.Helper()
	cfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), cfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), storage.Actor{ID: "user-1", OrgID: "org-1"}
}

func createAgent(t *testing.T, db *storage.DB, actor storage.Actor) storage.Agent {
	t.Helper()
	a, err := db.CreateAgent(context.Background(), storage.Agent{Name: "a"}, actor)
	require.NoError(t, err)
	return a
}

func TestBuildSystemPrompt_ConcatenatesInLabelOrder(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()
	agent := createAgent(t, m.db, actor)

	_, err := m.CreateBlock(ctx, agent.ID, "zzz_instructions", "be terse", actor)
	require.NoError(t, err)
	_, err = m.CreateBlock(ctx, agent.ID, "persona", "a helpful assistant", actor)
	require.NoError(t, err)

	prompt, err := m.BuildSystemPrompt(ctx, agent.ID, actor)
	require.NoError(t, err)

	personaIdx := strings.Index(prompt, "persona")
	instructionsIdx := strings.Index(prompt, "zzz_instructions")
	require.True(t, personaIdx < instructionsIdx, "persona should be composed before zzz_instructions (label order)")
	require.Contains(t, prompt, "a helpful assistant")
	require.Contains(t, prompt, "be terse")
}

func TestCoreMemoryReplace_OverwritesValue(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()
	agent := createAgent(t, m.db, actor)

	_, err := m.CreateBlock(ctx, agent.ID, "user_facts", "favorite color: blue", actor)
	require.NoError(t, err)

	updated, err := m.CoreMemoryReplace(ctx, agent.ID, "user_facts", "favorite color: green", actor)
	require.NoError(t, err)
	require.Equal(t, "favorite color: green", updated.Value)
}

func TestCoreMemoryAppend_AddsNewLine(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()
	agent := createAgent(t, m.db, actor)

	_, err := m.CreateBlock(ctx, agent.ID, "user_facts", "favorite color: blue", actor)
	require.NoError(t, err)

	updated, err := m.CoreMemoryAppend(ctx, agent.ID, "user_facts", "favorite color: green", actor)
	require.NoError(t, err)
	require.Equal(t, "favorite color: blue\nfavorite color: green", updated.Value)
}

func TestCoreMemoryAppend_ToEmptyBlockHasNoLeadingNewline(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()
	agent := createAgent(t, m.db, actor)

	_, err := m.CreateBlock(ctx, agent.ID, "notes", "", actor)
	require.NoError(t, err)

	updated, err := m.CoreMemoryAppend(ctx, agent.ID, "notes", "first note", actor)
	require.NoError(t, err)
	require.Equal(t, "first note", updated.Value)
}

func TestCreateBlock_RejectsOversizedValue(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()
	agent := createAgent(t, m.db, actor)

	huge := strings.Repeat("x", MaxBlockValueLength+1)
	_, err := m.CreateBlock(ctx, agent.ID, "notes", huge, actor)
	require.Error(t, err)
}
