package agentloop

import (
	"context"
	"errors"
	"iter"

	"github.com/kadirpekel/agentd/internal/llmclient"
	"github.com/kadirpekel/agentd/internal/storage"
)

// StreamTurn is RunTurn's streaming counterpart, translating
// llmclient.StreamEvents into the spec's chunk vocabulary: an echoed
// user_message, token-by-token assistant_message/tool_call_message chunks
// per model call, a tool_return_message per dispatched tool, and finally a
// stop_reason chunk followed by a usage chunk (spec §4.5's output
// contract). reasoning_message is defined in the chunk vocabulary but
// never emitted here -- the underlying LLM client does not surface
// extended-thinking content (see internal/llmclient's grounding notes).
func (l *Loop) StreamTurn(ctx context.Context, req TurnRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		deadline := l.cfg.PerTurnDeadlineSeconds
		turnCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		release, err := l.acquireAgentLock(turnCtx, req.AgentID)
		if err != nil {
			yield(Chunk{Type: ChunkStopReasonEvent, StopReason: StopCancelled}, nil)
			return
		}
		defer release()

		agent, err := l.db.ReadAgent(turnCtx, req.AgentID, req.Actor, storage.AccessWrite)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		for _, text := range req.UserMessages {
			if !yield(Chunk{Type: ChunkUserMessage, Text: text}, nil) {
				return
			}
		}

		userMsgs := make([]storage.Message, 0, len(req.UserMessages))
		for _, text := range req.UserMessages {
			userMsgs = append(userMsgs, storage.Message{AgentID: agent.ID, Role: storage.RoleUser, Content: text})
		}
		persistedUser, err := l.db.CreateMessages(turnCtx, userMsgs, req.Actor)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		if req.JobID != "" && l.jobs != nil && len(persistedUser) > 0 {
			ids := make([]string, len(persistedUser))
			for i, m := range persistedUser {
				ids[i] = m.ID
			}
			if err := l.jobs.AddMessagesToJob(turnCtx, req.JobID, ids); err != nil {
				yield(Chunk{}, err)
				return
			}
		}

		var pending []pendingMessage
		var totalUsage llmclient.Usage
		stepCount := 0
		stopReason := StopMaxSteps

	steps:
		for stepCount < l.cfg.MaxStepsPerTurn {
			stepCount++

			systemPrompt, err := l.buildSystemPrompt(turnCtx, agent, req.Actor, latestUserText(req.UserMessages))
			if err != nil {
				yield(Chunk{}, err)
				return
			}

			history, err := l.loadHistory(turnCtx, agent.ID, req.Actor)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			messages := append(history, materialize(agent.ID, pending)...)

			var final *llmclient.Response
			for ev, err := range l.llm.Stream(turnCtx, llmclient.Request{
				SystemPrompt: systemPrompt,
				Messages:     messages,
				Tools:        builtinTools,
			}) {
				if err != nil {
					final = nil
					break
				}
				if ev.Final {
					final = ev.Response
					break
				}
				if ev.ToolCall != nil {
					if !yield(Chunk{Type: ChunkToolCall, ToolCall: ev.ToolCall}, nil) {
						return
					}
					continue
				}
				if ev.Text != "" {
					if !yield(Chunk{Type: ChunkAssistant, Text: ev.Text}, nil) {
						return
					}
				}
			}

			if final == nil {
				if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
					stopReason = StopTimeout
				} else if errors.Is(turnCtx.Err(), context.Canceled) {
					stopReason = StopCancelled
				} else {
					stopReason = StopLLMError
				}
				break
			}
			totalUsage = addUsage(totalUsage, final.Usage)
			l.recordStep(turnCtx, req.JobID, final.Usage)

			assistant := pendingMessage{role: storage.RoleAssistant, content: final.Text}
			if len(final.ToolCalls) > 0 {
				assistant.toolCalls = final.ToolCalls
			}
			pending = append(pending, assistant)

			if final.FinishReason != llmclient.FinishToolCalls || len(final.ToolCalls) == 0 {
				stopReason = StopEndTurn
				break
			}

			for _, call := range final.ToolCalls {
				result, isErr := l.dispatchTool(turnCtx, agent, req.Actor, call)
				pending = append(pending, pendingMessage{role: storage.RoleTool, content: result, toolCallID: call.ID})
				ret := ToolReturn{ToolCallID: call.ID, Name: call.Name, Content: result, IsError: isErr}
				if !yield(Chunk{Type: ChunkToolReturn, ToolReturn: &ret}, nil) {
					return
				}
				if isErr {
					stopReason = StopToolError
					break steps
				}
			}

			if turnCtx.Err() != nil {
				if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
					stopReason = StopTimeout
				} else {
					stopReason = StopCancelled
				}
				break
			}
		}

		if stopReason != StopLLMError && stopReason != StopCancelled && stopReason != StopTimeout {
			toPersist := materialize(agent.ID, pending)
			persisted, err := l.db.CreateMessages(context.WithoutCancel(ctx), toPersist, req.Actor)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if req.JobID != "" && l.jobs != nil && len(persisted) > 0 {
				ids := make([]string, len(persisted))
				for i, m := range persisted {
					ids[i] = m.ID
				}
				_ = l.jobs.AddMessagesToJob(context.WithoutCancel(ctx), req.JobID, ids)
			}
		}

		if !yield(Chunk{Type: ChunkStopReasonEvent, StopReason: stopReason}, nil) {
			return
		}
		yield(Chunk{Type: ChunkUsageEvent, Usage: totalUsage}, nil)
	}
}
