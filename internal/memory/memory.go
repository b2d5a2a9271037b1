// Package memory composes an agent's MemoryBlock rows into the system
// prompt and implements the core_memory_replace/core_memory_append tool
// semantics the agent loop dispatches to (spec §4.5 step 6).
package memory

import (
	"context"
	"strings"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/storage"
)

// MaxBlockValueLength bounds a memory block's value (spec §3's "string,
// bounded length"). Chosen generously enough to hold a persona or a few
// dozen remembered facts without needing a second overflow block.
const MaxBlockValueLength = 5000

// Manager wraps storage.MemoryBlock with composition and the two
// agent-loop-facing mutation tools.
type Manager struct {
	db *storage.DB
}

func New(db *storage.DB) *Manager {
	return &Manager{db: db}
}

// BuildSystemPrompt concatenates the agent's memory blocks in label order,
// each introduced by its label, per spec §4.5 step 3.
func (m *Manager) BuildSystemPrompt(ctx context.Context, agentID string, actor storage.Actor) (string, error) {
	blocks, err := m.db.ListMemoryBlocksByAgent(ctx, agentID, actor)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[" + b.Label + "]\n")
		sb.WriteString(b.Value)
	}
	return sb.String(), nil
}

// ListBlocks returns the agent's blocks in label/composition order.
func (m *Manager) ListBlocks(ctx context.Context, agentID string, actor storage.Actor) ([]storage.MemoryBlock, error) {
	return m.db.ListMemoryBlocksByAgent(ctx, agentID, actor)
}

func validateValue(value string) error {
	if len(value) > MaxBlockValueLength {
		return apperrors.InvalidArgument("memory block value exceeds %d characters", MaxBlockValueLength)
	}
	return nil
}

// CoreMemoryReplace implements the core_memory_replace built-in tool:
// overwrite a labeled block's value outright.
func (m *Manager) CoreMemoryReplace(ctx context.Context, agentID, label, value string, actor storage.Actor) (storage.MemoryBlock, error) {
	if err := validateValue(value); err != nil {
		return storage.MemoryBlock{}, err
	}
	block, err := m.db.ReadMemoryBlockByLabel(ctx, agentID, label, actor)
	if err != nil {
		return storage.MemoryBlock{}, err
	}
	return m.db.UpdateMemoryBlockValue(ctx, block.ID, value, actor)
}

// CoreMemoryAppend implements the core_memory_append built-in tool:
// read-modify-write, appending value as a new line onto the existing
// content (storage's single write path is UpdateMemoryBlockValue; append
// semantics live here, the caller).
func (m *Manager) CoreMemoryAppend(ctx context.Context, agentID, label, value string, actor storage.Actor) (storage.MemoryBlock, error) {
	block, err := m.db.ReadMemoryBlockByLabel(ctx, agentID, label, actor)
	if err != nil {
		return storage.MemoryBlock{}, err
	}
	merged := block.Value
	if merged != "" {
		merged += "\n"
	}
	merged += value
	if err := validateValue(merged); err != nil {
		return storage.MemoryBlock{}, err
	}
	return m.db.UpdateMemoryBlockValue(ctx, block.ID, merged, actor)
}

// CreateBlock is used by agent creation to seed initial memory blocks.
func (m *Manager) CreateBlock(ctx context.Context, agentID, label, value string, actor storage.Actor) (storage.MemoryBlock, error) {
	if err := validateValue(value); err != nil {
		return storage.MemoryBlock{}, err
	}
	return m.db.CreateMemoryBlock(ctx, storage.MemoryBlock{AgentID: agentID, Label: label, Value: value}, actor)
}
