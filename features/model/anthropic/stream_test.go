package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func rawEvent(t *testing.T, payload string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var typ struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &typ))
	return ssestream.Event{Type: typ.Type, Data: data}
}

func drain(t *testing.T, s *streamer) []model.Part {
	t.Helper()
	var parts []model.Part
	for {
		p, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, p)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, `{"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":0}}}`),
		rawEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		rawEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		rawEvent(t, `{"type":"content_block_stop","index":0}`),
		rawEvent(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"tool_a","input":{}}}`),
		rawEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}`),
		rawEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"1}"}}`),
		rawEvent(t, `{"type":"content_block_stop","index":1}`),
		rawEvent(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`),
		rawEvent(t, `{"type":"message_stop"}`),
	}
	dec := &testDecoder{events: events}
	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), sse, map[string]string{"tool_a": "toolset.tool"})
	defer s.Close()

	parts := drain(t, s)
	require.NotEmpty(t, parts)
	assert.Equal(t, model.PartStart, parts[0].Type)

	var text string
	var call *model.Part
	var finish *model.Part
	for i := range parts {
		switch parts[i].Type {
		case model.PartTextDelta:
			text += parts[i].Text
		case model.PartToolCall:
			call = &parts[i]
		case model.PartFinish:
			finish = &parts[i]
		}
	}
	assert.Equal(t, "hello", text)

	require.NotNil(t, call)
	require.NotNil(t, call.ToolCall)
	assert.Equal(t, "t1", call.ToolCall.ID)
	assert.Equal(t, "toolset.tool", string(call.ToolCall.Name))
	assert.JSONEq(t, `{"x":1}`, string(call.ToolCall.Input))

	require.NotNil(t, finish)
	assert.Equal(t, model.FinishToolCalls, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 12, finish.Usage.InputTokens)
	assert.Equal(t, 7, finish.Usage.OutputTokens)
	assert.Equal(t, 19, finish.Usage.TotalTokens)
}

func TestStreamerEmptyToolInputDefaultsToObject(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, `{"type":"message_start","message":{"usage":{"input_tokens":1,"output_tokens":0}}}`),
		rawEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"ping","input":{}}}`),
		rawEvent(t, `{"type":"content_block_stop","index":0}`),
		rawEvent(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":1}}`),
		rawEvent(t, `{"type":"message_stop"}`),
	}
	dec := &testDecoder{events: events}
	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), sse, nil)
	defer s.Close()

	parts := drain(t, s)
	var call *model.Part
	for i := range parts {
		if parts[i].Type == model.PartToolCall {
			call = &parts[i]
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "{}", string(call.ToolCall.Input))
	assert.Equal(t, "ping", string(call.ToolCall.Name))
}

func TestStreamerStopReasonEndTurn(t *testing.T) {
	events := []ssestream.Event{
		rawEvent(t, `{"type":"message_start","message":{"usage":{"input_tokens":3,"output_tokens":0}}}`),
		rawEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		rawEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}`),
		rawEvent(t, `{"type":"content_block_stop","index":0}`),
		rawEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`),
		rawEvent(t, `{"type":"message_stop"}`),
	}
	dec := &testDecoder{events: events}
	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), sse, nil)
	defer s.Close()

	parts := drain(t, s)
	last := parts[len(parts)-1]
	assert.Equal(t, model.PartFinish, last.Type)
	assert.Equal(t, model.FinishStop, last.FinishReason)
}

func TestStreamerPropagatesDecoderError(t *testing.T) {
	dec := &testDecoder{err: errors.New("boom")}
	sse := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), sse, nil)
	defer s.Close()

	_, err := s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
