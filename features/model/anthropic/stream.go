package anthropic

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/tools"
)

// streamer adapts an Anthropic SSE message stream to model.Streamer. A pump
// goroutine consumes SDK events and publishes canonical parts on a buffered
// channel; Recv drains the channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]

	parts chan model.Part

	errMu    sync.Mutex
	finalErr error

	provToCanon map[string]string
}

// toolBuffer accumulates the input JSON fragments of one in-flight tool use
// block until its stop event arrives.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newStreamer(ctx context.Context, sse *ssestream.Stream[sdk.MessageStreamEventUnion], provToCanon map[string]string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		sse:         sse,
		parts:       make(chan model.Part, 32),
		provToCanon: provToCanon,
	}
	go s.pump()
	return s
}

// Recv returns the next part or io.EOF once the provider stream completed.
func (s *streamer) Recv() (model.Part, error) {
	select {
	case p, ok := <-s.parts:
		if !ok {
			return model.Part{}, s.err()
		}
		return p, nil
	case <-s.ctx.Done():
		return model.Part{}, s.ctx.Err()
	}
}

// Close tears the SSE stream down. Idempotent.
func (s *streamer) Close() error {
	s.cancel()
	return s.sse.Close()
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr != nil {
		return s.finalErr
	}
	return io.EOF
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.errMu.Unlock()
}

// pump drives the SDK iterator until it ends, translating each event. Tool
// use blocks are indexed by their content block position because input JSON
// arrives fragmented across delta events.
func (s *streamer) pump() {
	defer close(s.parts)

	var (
		open       = map[int64]*toolBuffer{}
		stopReason string
		usage      model.TokenUsage
	)

	for s.sse.Next() {
		event := s.sse.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			open = map[int64]*toolBuffer{}
			stopReason = ""
			usage = model.TokenUsage{
				InputTokens:  int(ev.Message.Usage.InputTokens),
				OutputTokens: int(ev.Message.Usage.OutputTokens),
			}
			if !s.send(model.Part{Type: model.PartStart}) {
				return
			}
		case sdk.ContentBlockStartEvent:
			switch block := ev.ContentBlock.AsAny().(type) {
			case sdk.ToolUseBlock:
				name := block.Name
				if canonical, ok := s.provToCanon[name]; ok && canonical != "" {
					name = canonical
				}
				open[ev.Index] = &toolBuffer{id: block.ID, name: name}
			case sdk.TextBlock:
				if !s.send(model.Part{Type: model.PartTextStart, TextID: blockID(ev.Index)}) {
					return
				}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !s.send(model.Part{Type: model.PartTextDelta, TextID: blockID(ev.Index), Text: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if buf, ok := open[ev.Index]; ok && delta.PartialJSON != "" {
					buf.fragments = append(buf.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			buf, ok := open[ev.Index]
			if !ok {
				if !s.send(model.Part{Type: model.PartTextEnd, TextID: blockID(ev.Index)}) {
					return
				}
				continue
			}
			delete(open, ev.Index)
			input := strings.Join(buf.fragments, "")
			if input == "" {
				input = "{}"
			}
			call := &tools.Call{ID: buf.id, Name: tools.Ident(buf.name), Input: []byte(input)}
			if !s.send(model.Part{Type: model.PartToolCall, ToolCall: call}) {
				return
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				stopReason = string(ev.Delta.StopReason)
			}
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			if ev.Usage.InputTokens > 0 {
				usage.InputTokens = int(ev.Usage.InputTokens)
			}
		case sdk.MessageStopEvent:
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			u := usage
			if !s.send(model.Part{Type: model.PartFinish, FinishReason: finishReason(stopReason), Usage: &u}) {
				return
			}
		}
	}
	if err := s.sse.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) send(p model.Part) bool {
	select {
	case s.parts <- p:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func blockID(index int64) string {
	return strconv.FormatInt(index, 10)
}

func finishReason(stop string) model.FinishReason {
	switch stop {
	case "tool_use":
		return model.FinishToolCalls
	case "", "end_turn", "stop_sequence", "max_tokens":
		return model.FinishStop
	default:
		return model.FinishStop
	}
}
