package planner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"matchline/internal/domain"
	"matchline/internal/llm"
)

const remoteSystem = `You drive a web UI one small step at a time to reach the stated goal.
You see the current page as visible text and, when available, a screenshot.
Reply with one JSON object and nothing else. To act:
{"done":false,"action":{"type":"click|type|scroll|wait|navigate","selector":"css or empty","text":"text to type","x":0,"y":0,"amount":0,"millis":0,"target":"url or anchor"},"continuation":"short state you want back next turn"}
When the goal is reached:
{"done":true,"extracted_text":"the candidate text if the goal was extraction","continuation":""}`

// ChatVisionClient is the slice of the llm client the remote planner needs.
type ChatVisionClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
	ChatVision(ctx context.Context, system, user, pngBase64 string) (string, error)
}

// Remote plans through an external vision model. Each turn sends the full
// observation plus the continuation token; the service holds no state.
type Remote struct {
	client ChatVisionClient
}

func NewRemote(client ChatVisionClient) *Remote {
	return &Remote{client: client}
}

func (p *Remote) Next(ctx context.Context, req Request) (Result, error) {
	user := remotePrompt(req)

	var raw string
	var err error
	if len(req.Observation.Screenshot) > 0 {
		encoded := base64.StdEncoding.EncodeToString(req.Observation.Screenshot)
		raw, err = p.client.ChatVision(ctx, remoteSystem, user, encoded)
	} else {
		raw, err = p.client.Chat(ctx, remoteSystem, user)
	}
	if err != nil {
		return Result{}, fmt.Errorf("planner request: %w", err)
	}
	return parseResult(raw)
}

func parseResult(raw string) (Result, error) {
	var reply struct {
		Done          bool             `json:"done"`
		Action        *domain.UIAction `json:"action"`
		ExtractedText string           `json:"extracted_text"`
		Continuation  string           `json:"continuation"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &reply); err != nil {
		return Result{}, fmt.Errorf("parse planner reply: %w", err)
	}
	if !reply.Done {
		if reply.Action == nil {
			return Result{}, fmt.Errorf("planner reply has neither action nor terminal signal")
		}
		switch reply.Action.Type {
		case domain.ActionClick, domain.ActionType, domain.ActionScroll, domain.ActionWait, domain.ActionNavigate:
		default:
			return Result{}, fmt.Errorf("planner suggested unknown action type %q", reply.Action.Type)
		}
	}
	return Result{
		Done:          reply.Done,
		Action:        reply.Action,
		ExtractedText: reply.ExtractedText,
		Continuation:  reply.Continuation,
	}, nil
}

func remotePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.Message != "" {
		fmt.Fprintf(&b, "Message to place in the composer:\n%s\n", req.Message)
	}
	if req.Continuation != "" {
		fmt.Fprintf(&b, "Continuation from your last turn: %s\n", req.Continuation)
	}
	if req.Observation.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", req.Observation.URL)
	}
	if req.Observation.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Observation.Title)
	}
	b.WriteString("Visible text:\n")
	b.WriteString(req.Observation.VisibleText)
	return b.String()
}
