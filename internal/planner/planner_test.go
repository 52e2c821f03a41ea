package planner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"matchline/internal/domain"
	"matchline/internal/llm"
	"matchline/internal/planner"
)

func TestDirectExtractsObservationText(t *testing.T) {
	res, err := planner.Direct{}.Next(context.Background(), planner.Request{
		Observation: domain.Observation{VisibleText: "Jane, gardener, likes hiking"},
		Goal:        planner.GoalExtractText,
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !res.Done {
		t.Fatal("extract should finish in one turn")
	}
	if res.ExtractedText != "Jane, gardener, likes hiking" {
		t.Fatalf("extracted = %q", res.ExtractedText)
	}
}

func TestDirectComposesInTwoTurns(t *testing.T) {
	req := planner.Request{Goal: planner.GoalComposeMessage, Message: "Hi Jane!"}

	first, err := planner.Direct{}.Next(context.Background(), req)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Done || first.Action == nil {
		t.Fatalf("first turn = %+v, want a type action", first)
	}
	if first.Action.Type != domain.ActionType || first.Action.Text != "Hi Jane!" {
		t.Fatalf("action = %+v", first.Action)
	}

	req.Continuation = first.Continuation
	second, err := planner.Direct{}.Next(context.Background(), req)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !second.Done {
		t.Fatal("second turn should be terminal")
	}
}

func TestDirectRejectsUnknownGoal(t *testing.T) {
	if _, err := (planner.Direct{}).Next(context.Background(), planner.Request{Goal: "win the lottery"}); err == nil {
		t.Fatal("expected error")
	}
}

// plannerServer returns the given reply through a chat completions envelope
// and stores the last request body.
func plannerServer(t *testing.T, reply string, lastBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lastBody != nil {
			if err := json.NewDecoder(r.Body).Decode(lastBody); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode reply: %v", err)
		}
	}))
}

func TestRemoteParsesAction(t *testing.T) {
	var body map[string]any
	srv := plannerServer(t, "```json\n{\"done\":false,\"action\":{\"type\":\"click\",\"x\":120,\"y\":300},\"continuation\":\"opened detail\"}\n```", &body)
	defer srv.Close()

	p := planner.NewRemote(llm.New(llm.Config{Endpoint: srv.URL, Model: "test-model"}))
	res, err := p.Next(context.Background(), planner.Request{
		Observation:  domain.Observation{VisibleText: "candidate list"},
		Goal:         planner.GoalExtractText,
		Continuation: "scrolling",
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.Done {
		t.Fatal("expected a non-terminal result")
	}
	if res.Action == nil || res.Action.Type != domain.ActionClick || res.Action.X != 120 || res.Action.Y != 300 {
		t.Fatalf("action = %+v", res.Action)
	}
	if res.Continuation != "opened detail" {
		t.Fatalf("continuation = %q", res.Continuation)
	}

	// The prompt must carry the goal and the previous continuation; the
	// service holds no state between turns.
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	prompt := string(raw)
	if !strings.Contains(prompt, planner.GoalExtractText) || !strings.Contains(prompt, "scrolling") {
		t.Fatalf("prompt missing goal or continuation: %s", prompt)
	}
}

func TestRemoteParsesTerminal(t *testing.T) {
	srv := plannerServer(t, `{"done":true,"extracted_text":"Jane, gardener","continuation":""}`, nil)
	defer srv.Close()

	p := planner.NewRemote(llm.New(llm.Config{Endpoint: srv.URL, Model: "test-model"}))
	res, err := p.Next(context.Background(), planner.Request{Goal: planner.GoalExtractText})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !res.Done || res.ExtractedText != "Jane, gardener" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRemoteUsesVisionWhenScreenshotPresent(t *testing.T) {
	var body map[string]any
	srv := plannerServer(t, `{"done":true}`, &body)
	defer srv.Close()

	p := planner.NewRemote(llm.New(llm.Config{Endpoint: srv.URL, Model: "test-model"}))
	_, err := p.Next(context.Background(), planner.Request{
		Observation: domain.Observation{VisibleText: "page", Screenshot: []byte{0x89, 0x50}},
		Goal:        planner.GoalExtractText,
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	user, ok := msgs[1].(map[string]any)
	if !ok {
		t.Fatalf("user message = %v", msgs[1])
	}
	if _, ok := user["content"].([]any); !ok {
		t.Fatalf("user content = %T, want content parts with an image", user["content"])
	}
}

func TestRemoteRejectsBadReplies(t *testing.T) {
	for name, reply := range map[string]string{
		"prose":             "click somewhere in the middle",
		"no action":         `{"done":false,"continuation":"x"}`,
		"unknown action":    `{"done":false,"action":{"type":"teleport"}}`,
		"truncated payload": `{"done":false,"action":{"type":"cl`,
	} {
		srv := plannerServer(t, reply, nil)
		p := planner.NewRemote(llm.New(llm.Config{Endpoint: srv.URL, Model: "test-model"}))
		if _, err := p.Next(context.Background(), planner.Request{Goal: planner.GoalExtractText}); err == nil {
			t.Errorf("%s: expected error", name)
		}
		srv.Close()
	}
}
