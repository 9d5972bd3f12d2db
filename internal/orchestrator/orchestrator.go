package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-codex/agentd/internal/agent"
	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/sandbox"
	"github.com/open-codex/agentd/internal/store"
	"github.com/open-codex/agentd/internal/stream"
	"github.com/open-codex/agentd/internal/tools"
)

// CancelledContent is the user-facing text of a cancelled turn.
const CancelledContent = "Response cancelled by user"

// Sandboxes is the sandbox pool surface the orchestrator uses.
// *sandbox.Manager implements it.
type Sandboxes interface {
	Get(key string) (sandbox.Sandbox, error)
	Create(ctx context.Context, key string) (sandbox.Sandbox, error)
}

// Orchestrator glues the agent loop to the streaming buffer, the event
// bus, the task registry, and the message store. It owns the
// create, stream, finalize invariant: one incomplete row at open, one
// atomic write at finalize, memory-only in between.
type Orchestrator struct {
	stores    *store.Stores
	buffer    *stream.Buffer
	bus       *stream.Bus
	registry  *Registry
	sandboxes Sandboxes
	factory   *providers.Factory
	defaults  config.AgentConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(stores *store.Stores, buffer *stream.Buffer, bus *stream.Bus, registry *Registry,
	sandboxes Sandboxes, factory *providers.Factory, defaults config.AgentConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		stores:    stores,
		buffer:    buffer,
		bus:       bus,
		registry:  registry,
		sandboxes: sandboxes,
		factory:   factory,
		defaults:  defaults,
		logger:    logger,
		tracer:    otel.Tracer("agentd/orchestrator"),
	}
}

// Registry exposes the task registry for transports.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Buffer exposes the streaming buffer for reconnect resume.
func (o *Orchestrator) Buffer() *stream.Buffer { return o.buffer }

// HandleMessage persists the user turn, opens an incomplete assistant
// message, and starts the agent loop in the background. The loop runs
// detached from the caller's context so a client disconnect does not
// end it.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID uuid.UUID, content string) (userMsgID, assistantMsgID uuid.UUID, err error) {
	session, err := o.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("load session: %w", err)
	}
	cfg, err := o.stores.Projects.GetConfig(ctx, session.ProjectID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("load agent config: %w", err)
	}

	userMsg := &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleUser,
		Content:    content,
		IsComplete: true,
	}
	if err := o.stores.Messages.Create(ctx, userMsg); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("save user message: %w", err)
	}

	assistantMsg := &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleAssistant,
		IsComplete: false,
	}
	if err := o.stores.Messages.Create(ctx, assistantMsg); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("open assistant message: %w", err)
	}

	history, err := o.loadHistory(ctx, sessionID, userMsg.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("load history: %w", err)
	}

	o.buffer.Start(assistantMsg.ID)
	taskCtx, cancel := context.WithCancel(context.Background())
	o.registry.Register(sessionID, assistantMsg.ID, cancel)

	// Both turn-open events ride the bus so its FIFO dispatch fixes
	// the wire order: user_message_saved strictly before start.
	o.bus.Emit(stream.EventUserSaved, map[string]any{
		"session_id": sessionID.String(),
		"message_id": userMsg.ID.String(),
	})
	o.bus.Emit(stream.EventStreamStart, map[string]any{
		"session_id": sessionID.String(),
		"message_id": assistantMsg.ID.String(),
	})

	go o.runTurn(taskCtx, session, cfg, content, history, assistantMsg.ID)

	return userMsg.ID, assistantMsg.ID, nil
}

// Cancel signals the session's running task. When a task was running,
// cancel_acknowledged is emitted; the loop's cancelled path emits the
// terminal frames.
func (o *Orchestrator) Cancel(sessionID uuid.UUID) bool {
	task := o.registry.Get(sessionID)
	if task == nil || task.Status != TaskRunning {
		return false
	}
	if !o.registry.Cancel(sessionID) {
		return false
	}
	o.bus.Emit(stream.EventCancelAck, map[string]any{
		"session_id": sessionID.String(),
		"message_id": task.MessageID.String(),
	})
	return true
}

// ActiveStream returns the in-flight assistant message id for a
// session, for clients resuming after a reconnect.
func (o *Orchestrator) ActiveStream(sessionID uuid.UUID) (uuid.UUID, bool) {
	task := o.registry.Get(sessionID)
	if task == nil || task.Status != TaskRunning {
		return uuid.Nil, false
	}
	return task.MessageID, true
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID, excludeID uuid.UUID) ([]providers.Message, error) {
	msgs, err := o.stores.Messages.ListBySession(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	history := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		history = append(history, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return history, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, session *store.ChatSession, cfg *store.AgentConfig,
	userMessage string, history []providers.Message, messageID uuid.UUID) {

	ctx, span := o.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", session.ID.String()),
			attribute.String("message.id", messageID.String()),
		))
	defer span.End()

	sessionID := session.ID

	registry, enabled, err := o.buildToolset(ctx, session, cfg)
	if err != nil {
		o.finalizeError(sessionID, messageID, fmt.Sprintf("Environment unavailable: %v", err))
		return
	}

	providerName := cfg.ModelProvider
	if providerName == "" {
		providerName = o.defaults.DefaultProvider
	}
	model := cfg.ModelName
	if model == "" {
		model = o.defaults.DefaultModel
	}
	provider, err := o.factory.Provider(ctx, providerName, model)
	if err != nil {
		o.finalizeError(sessionID, messageID, fmt.Sprintf("Model unavailable: %v", err))
		return
	}
	span.SetAttributes(attribute.String("model.provider", providerName), attribute.String("model.name", model))

	maxIterations := o.defaults.MaxIterations
	options := map[string]any{
		"max_tokens":  o.defaults.MaxTokens,
		"temperature": o.defaults.Temperature,
	}
	for k, v := range cfg.ModelParams {
		options[k] = v
	}

	loop := agent.NewLoop(provider, registry, o.logger, agent.WithMaxIterations(maxIterations))
	events := loop.Run(ctx, agent.Request{
		UserMessage:        userMessage,
		History:            history,
		SystemInstructions: cfg.SystemInstructions,
		Model:              model,
		Options:            options,
		EnabledTools:       enabled,
	})

	var actions []*store.ToolAction

	for ev := range events {
		switch ev.Type {
		case agent.EventChunk:
			index := o.buffer.Append(messageID, ev.Text)
			o.bus.Emit(stream.EventStreamChunk, map[string]any{
				"session_id": sessionID.String(),
				"message_id": messageID.String(),
				"content":    ev.Text,
				"index":      index,
				"step":       ev.Step,
			})

		case agent.EventThought:
			o.bus.Emit(stream.EventStreamThought, map[string]any{
				"session_id": sessionID.String(),
				"message_id": messageID.String(),
				"content":    ev.Text,
				"step":       ev.Step,
			})

		case agent.EventAction:
			actions = append(actions, &store.ToolAction{
				MessageID: messageID,
				ToolName:  ev.Tool,
				Input:     ev.Args,
				Status:    store.ActionPending,
				CreatedAt: time.Now().UTC(),
			})
			o.bus.Emit(stream.EventActionStart, map[string]any{
				"session_id": sessionID.String(),
				"message_id": messageID.String(),
				"tool":       ev.Tool,
				"args":       ev.Args,
				"step":       ev.Step,
			})

		case agent.EventObservation:
			if n := len(actions); n > 0 {
				last := actions[n-1]
				last.Output = &store.ToolActionOutput{Result: ev.Observation, Success: ev.Success}
				if ev.Success {
					last.Status = store.ActionSuccess
				} else {
					last.Status = store.ActionError
				}
			}
			o.bus.Emit(stream.EventActionComplete, map[string]any{
				"session_id": sessionID.String(),
				"message_id": messageID.String(),
				"tool":       ev.Tool,
				"success":    ev.Success,
				"step":       ev.Step,
			})
			o.bus.Emit(stream.EventObservation, map[string]any{
				"session_id": sessionID.String(),
				"message_id": messageID.String(),
				"tool":       ev.Tool,
				"content":    ev.Observation,
				"success":    ev.Success,
				"step":       ev.Step,
			})

		case agent.EventDone:
			o.finalizeSuccess(sessionID, messageID, actions)
			return

		case agent.EventCancelled:
			o.finalizeCancelled(sessionID, messageID, actions)
			return

		case agent.EventError:
			o.finalizeError(sessionID, messageID, ev.Text)
			return
		}
	}

	// Channel closed without a terminal event; treat as an error turn.
	o.finalizeError(sessionID, messageID, "Agent loop ended unexpectedly")
}

// buildToolset assembles the per-turn tool registry. A session without
// an environment gets only the setup_environment provisioner; once the
// environment exists the operational tools bind to its sandbox.
func (o *Orchestrator) buildToolset(ctx context.Context, session *store.ChatSession, cfg *store.AgentConfig) (*tools.Registry, []string, error) {
	registry := tools.NewRegistry()

	if session.EnvironmentType == "" {
		provision := func(ctx context.Context, envType string, envConfig map[string]any) error {
			if err := o.stores.Sessions.SetEnvironment(ctx, session.ID, envType, envConfig); err != nil {
				return fmt.Errorf("record environment: %w", err)
			}
			if _, err := o.sandboxes.Create(ctx, session.ID.String()); err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			session.EnvironmentType = envType
			session.EnvironmentConfig = envConfig
			return nil
		}
		registry.Register(tools.NewSetupEnvironmentTool(provision))
		return registry, nil, nil
	}

	sb, err := o.sandboxes.Get(session.ID.String())
	if err == sandbox.ErrNotFound {
		// Recreate after restart or eviction.
		sb, err = o.sandboxes.Create(ctx, session.ID.String())
	}
	if err != nil {
		return nil, nil, err
	}

	for _, t := range []tools.Tool{
		tools.NewBashTool(sb),
		tools.NewReadFileTool(sb),
		tools.NewWriteFileTool(sb),
		tools.NewEditFileTool(sb),
		tools.NewSearchTool(sb),
		tools.NewAstSearchTool(sb),
	} {
		registry.Register(t)
	}
	return registry, cfg.EnabledTools, nil
}

// finalizeSuccess copies the buffered content into the message row in
// one transaction, flushing recorded tool actions alongside.
func (o *Orchestrator) finalizeSuccess(sessionID, messageID uuid.UUID, actions []*store.ToolAction) {
	content := o.buffer.End(messageID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.stores.Messages.SaveComplete(ctx, messageID, content, nil, actions); err != nil {
		o.logger.Error("finalize failed", "message_id", messageID, "error", err)
		o.stores.Messages.MarkIncomplete(ctx, messageID, err.Error())
		o.bus.Emit(stream.EventPersistFailure, map[string]any{
			"session_id": sessionID.String(),
			"message_id": messageID.String(),
			"error":      err.Error(),
		})
		o.finish(sessionID, messageID, TaskError, map[string]any{"error": true})
		return
	}

	o.bus.Emit(stream.EventPersistSuccess, map[string]any{
		"session_id": sessionID.String(),
		"message_id": messageID.String(),
		"length":     len(content),
	})
	o.finish(sessionID, messageID, TaskCompleted, nil)
}

// finalizeCancelled persists the partial content with cancelled
// metadata, or deletes the draft row when nothing streamed.
func (o *Orchestrator) finalizeCancelled(sessionID, messageID uuid.UUID, actions []*store.ToolAction) {
	content := o.buffer.End(messageID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if content != "" {
		err := o.stores.Messages.SaveComplete(ctx, messageID, content, map[string]any{"cancelled": true}, actions)
		if err != nil {
			o.logger.Error("cancelled finalize failed", "message_id", messageID, "error", err)
		}
	} else {
		if err := o.stores.Messages.Delete(ctx, messageID); err != nil {
			o.logger.Warn("draft delete failed", "message_id", messageID, "error", err)
		}
	}

	o.bus.Emit(stream.EventStreamCancelled, map[string]any{
		"session_id":      sessionID.String(),
		"message_id":      messageID.String(),
		"content":         CancelledContent,
		"partial_content": content,
	})
	o.finish(sessionID, messageID, TaskCancelled, map[string]any{"cancelled": true})
}

// finalizeError leaves the row incomplete with the error recorded in
// metadata.
func (o *Orchestrator) finalizeError(sessionID, messageID uuid.UUID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.stores.Messages.MarkIncomplete(ctx, messageID, message); err != nil {
		o.logger.Error("mark incomplete failed", "message_id", messageID, "error", err)
	}

	o.bus.Emit(stream.EventStreamError, map[string]any{
		"session_id": sessionID.String(),
		"message_id": messageID.String(),
		"error":      message,
	})
	o.finish(sessionID, messageID, TaskError, map[string]any{"error": true})
}

// finish emits the terminal END frame and releases per-turn state.
func (o *Orchestrator) finish(sessionID, messageID uuid.UUID, status TaskStatus, extra map[string]any) {
	payload := map[string]any{
		"session_id": sessionID.String(),
		"message_id": messageID.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.bus.Emit(stream.EventStreamEnd, payload)

	o.registry.MarkCompleted(sessionID, status)
	o.buffer.Cleanup(messageID)
}
