package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/stream"
	"github.com/maestro-run/maestro/tools"
)

// stepOutput is the distilled outcome of one streamed completion.
type stepOutput struct {
	text   string
	calls  []*tools.Call
	finish model.FinishReason
	usage  model.TokenUsage
}

// streamStep drives one streaming completion over the current conversation,
// forwarding text deltas and tool-call parts as stream events. It returns the
// accumulated step output, or the context's error when the run aborts
// mid-stream.
func (s *session) streamStep(ctx context.Context) (*stepOutput, error) {
	req := model.Request{
		Model:     s.manifest.Model,
		Messages:  s.conversation(),
		Tools:     s.manifest.Definitions(),
		MaxTokens: s.manifest.MaxTokens,
	}
	streamer, err := s.rt.client.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start completion: %w", err)
	}
	defer streamer.Close()

	out := &stepOutput{}
	var text strings.Builder
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		part, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream completion: %w", err)
		}
		switch part.Type {
		case model.PartTextDelta:
			text.WriteString(part.Text)
			s.emit(&stream.TextDelta{Base: s.base(), TextID: part.TextID, Text: part.Text})
		case model.PartToolCall:
			call := part.ToolCall
			if call == nil {
				continue
			}
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			out.calls = append(out.calls, call)
			s.emit(&stream.ToolCall{Base: s.base(), Call: call})
		case model.PartFinishStep, model.PartFinish:
			if part.FinishReason != "" {
				out.finish = part.FinishReason
			}
			if part.Usage != nil {
				out.usage.Add(*part.Usage)
			}
		}
	}
	out.text = text.String()
	if out.finish == "" {
		if len(out.calls) > 0 {
			out.finish = model.FinishToolCalls
		} else {
			out.finish = model.FinishStop
		}
	}
	return out, nil
}

// conversation renders the request messages: the system prompt when present,
// then the accumulated history.
func (s *session) conversation() []*model.Message {
	msgs := make([]*model.Message, 0, len(s.rec.Messages)+1)
	if s.manifest.SystemPrompt != "" {
		msgs = append(msgs, &model.Message{Role: model.RoleSystem, Content: s.manifest.SystemPrompt})
	}
	return append(msgs, s.rec.Messages...)
}
