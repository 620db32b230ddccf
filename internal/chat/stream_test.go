package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/tools"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

type sinkEvent struct {
	kind string
	body string
}

type recordingSink struct {
	events   []sinkEvent
	failFrom int // fail every send once this many events were recorded, 0 = never
}

func (s *recordingSink) record(kind, body string) error {
	if s.failFrom > 0 && len(s.events) >= s.failFrom {
		return errors.New("client gone")
	}
	s.events = append(s.events, sinkEvent{kind, body})
	return nil
}

func (s *recordingSink) SendThinking(delta string) error { return s.record("thinking", delta) }
func (s *recordingSink) SendToken(delta string) error    { return s.record("token", delta) }
func (s *recordingSink) SendToolCall(call models.ToolCall) error {
	return s.record("tool_call", call.Name)
}
func (s *recordingSink) SendToolResult(result models.ToolResult) error {
	return s.record("tool_result", result.Name)
}
func (s *recordingSink) SendUsage(in, out int, _ float64) error {
	return s.record("usage", "")
}

func (s *recordingSink) kinds() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

func TestStreamMessageSimple(t *testing.T) {
	st := &fakeStore{session: testSession()}
	gw := &fakeGateway{
		stream: func(_ int, _ *llm.Request) (<-chan *llm.Chunk, string, error) {
			return chunkStream(
				&llm.Chunk{Thinking: "pondering"},
				&llm.Chunk{Text: "Hello "},
				&llm.Chunk{Text: "back"},
				&llm.Chunk{Done: true, FinishReason: "stop", InputTokens: 10, OutputTokens: 5},
			), "primary", nil
		},
	}
	e := newTestEngine(t, st, gw, nil)
	sink := &recordingSink{}

	resp, err := e.StreamMessage(context.Background(), "sess-1", "hi", SendOptions{EnableThinking: true}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello back" || resp.Thinking != "pondering" {
		t.Errorf("response = %+v", resp)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Cost == 0 {
		t.Error("cost not estimated")
	}

	want := []string{"thinking", "token", "token", "usage"}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	if len(st.messages) != 2 || st.messages[1].Content != "Hello back" {
		t.Errorf("persisted = %+v", st.messages)
	}
}

func TestStreamMessageEmbeddedThinking(t *testing.T) {
	st := &fakeStore{session: testSession()}
	gw := &fakeGateway{
		stream: func(_ int, _ *llm.Request) (<-chan *llm.Chunk, string, error) {
			return chunkStream(
				&llm.Chunk{Text: "<think>hidden</think>visible"},
				&llm.Chunk{Done: true, FinishReason: "stop"},
			), "primary", nil
		},
	}
	e := newTestEngine(t, st, gw, nil)

	resp, err := e.StreamMessage(context.Background(), "sess-1", "hi", SendOptions{}, &recordingSink{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "visible" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Thinking != "hidden" {
		t.Errorf("thinking = %q", resp.Thinking)
	}
}

func TestStreamMessageSinkDeathKeepsPersisting(t *testing.T) {
	st := &fakeStore{session: testSession()}
	gw := &fakeGateway{
		stream: func(_ int, _ *llm.Request) (<-chan *llm.Chunk, string, error) {
			return chunkStream(
				&llm.Chunk{Text: "part one "},
				&llm.Chunk{Text: "part two"},
				&llm.Chunk{Done: true, FinishReason: "stop", InputTokens: 3, OutputTokens: 4},
			), "primary", nil
		},
	}
	e := newTestEngine(t, st, gw, nil)
	sink := &recordingSink{failFrom: 1}

	resp, err := e.StreamMessage(context.Background(), "sess-1", "hi", SendOptions{}, sink)
	if err != nil {
		t.Fatal(err)
	}
	// The client saw one token; the transcript still records the whole turn.
	if len(sink.events) != 1 {
		t.Errorf("events = %v", sink.kinds())
	}
	if resp.Content != "part one part two" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(st.messages) != 2 || st.messages[1].Content != "part one part two" {
		t.Errorf("persisted = %+v", st.messages)
	}
	if len(st.counters) != 1 || st.counters[0].messages != 2 {
		t.Errorf("counters = %+v", st.counters)
	}
}

func TestStreamMessageToolRound(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name: "clock__now",
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "noon", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	st := &fakeStore{session: testSession()}
	streamCalls := 0
	gw := &fakeGateway{
		complete: func(_ int, _ *llm.Request) (*llm.Response, error) {
			return &llm.Response{
				ToolCalls: []models.ToolCall{{
					ID:        "call-1",
					Name:      "clock__now",
					Arguments: json.RawMessage(`{}`),
				}},
				Model:        "primary",
				FinishReason: "tool_calls",
			}, nil
		},
		stream: func(_ int, req *llm.Request) (<-chan *llm.Chunk, string, error) {
			streamCalls++
			if streamCalls == 1 {
				return chunkStream(
					&llm.Chunk{Done: true, FinishReason: "tool_calls"},
				), "primary", nil
			}
			last := req.Messages[len(req.Messages)-1]
			if last.Role != "tool" {
				t.Errorf("second stream last message role = %s", last.Role)
			}
			return chunkStream(
				&llm.Chunk{Text: "It is noon"},
				&llm.Chunk{Done: true, FinishReason: "stop"},
			), "primary", nil
		},
	}
	e := newTestEngine(t, st, gw, registry)
	sink := &recordingSink{}

	resp, err := e.StreamMessage(context.Background(), "sess-1", "what time is it", SendOptions{EnableTools: true}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "It is noon" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || len(resp.ToolResults) != 1 {
		t.Fatalf("tool calls/results = %d/%d", len(resp.ToolCalls), len(resp.ToolResults))
	}
	if streamCalls != 2 {
		t.Errorf("stream calls = %d", streamCalls)
	}

	want := []string{"tool_call", "tool_result", "token", "usage"}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(st.messages) != len(wantRoles) {
		t.Fatalf("persisted %d messages", len(st.messages))
	}
	for i, role := range wantRoles {
		if st.messages[i].Role != role {
			t.Errorf("message %d role = %s", i, st.messages[i].Role)
		}
	}
}

func TestStreamMessageMidStreamErrorPersistsPartial(t *testing.T) {
	st := &fakeStore{session: testSession()}
	gw := &fakeGateway{
		stream: func(_ int, _ *llm.Request) (<-chan *llm.Chunk, string, error) {
			return chunkStream(
				&llm.Chunk{Text: "half an ans"},
				&llm.Chunk{Error: errors.New("upstream reset")},
			), "primary", nil
		},
	}
	e := newTestEngine(t, st, gw, nil)

	_, err := e.StreamMessage(context.Background(), "sess-1", "hi", SendOptions{}, &recordingSink{})
	if err == nil {
		t.Fatal("expected error")
	}
	// User message plus the partial assistant content.
	if len(st.messages) != 2 {
		t.Fatalf("persisted %d messages", len(st.messages))
	}
	if st.messages[1].Content != "half an ans" {
		t.Errorf("partial = %q", st.messages[1].Content)
	}
	if len(st.counters) != 1 {
		t.Errorf("counters = %+v", st.counters)
	}
}
