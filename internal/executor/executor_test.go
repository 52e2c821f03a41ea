package executor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"matchline/internal/executor"
)

const fixture = `[
  {"id": "jane", "text": "Jane, gardener, likes hiking"},
  {"html": "<html><head><script>nope()</script></head><body><h1>Ada</h1><p>Loves   puzzles</p><style>.x{}</style></body></html>"}
]`

func TestScriptDriverPlayback(t *testing.T) {
	d, err := executor.ParseScript([]byte(fixture))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ctx := context.Background()

	if err := d.Navigate(ctx, executor.CandidateAnchor(1)); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	obs, err := d.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if obs.VisibleText != "Jane, gardener, likes hiking" {
		t.Fatalf("text = %q", obs.VisibleText)
	}
	if obs.URL != "fixture://jane" {
		t.Fatalf("url = %q", obs.URL)
	}

	if err := d.Navigate(ctx, executor.CandidateAnchor(2)); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	text, err := d.ExtractVisibleText(ctx)
	if err != nil {
		t.Fatalf("ExtractVisibleText: %v", err)
	}
	if text != "Ada Loves puzzles" {
		t.Fatalf("rendered text = %q, want scripts stripped and whitespace collapsed", text)
	}

	if err := d.Navigate(ctx, executor.CandidateAnchor(3)); !errors.Is(err, executor.ErrNoMoreCandidates) {
		t.Fatalf("Navigate past end = %v, want ErrNoMoreCandidates", err)
	}
}

func TestScriptDriverCompose(t *testing.T) {
	d, err := executor.ParseScript([]byte(fixture))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ctx := context.Background()

	if err := d.Navigate(ctx, executor.CandidateAnchor(1)); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if err := d.TypeText(ctx, "composer", "Hi Jane!"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	if err := d.SubmitComposedMessage(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(d.Sent) != 1 || d.Sent[0].CandidateID != "jane" || d.Sent[0].Text != "Hi Jane!" {
		t.Fatalf("sent = %+v", d.Sent)
	}

	// Submission clears the composer; a second submit has nothing to send.
	err = d.SubmitComposedMessage(ctx)
	if !executor.IsRecoverable(err) {
		t.Fatalf("empty composer submit = %v, want recoverable", err)
	}

	// Navigating away drops any half-composed text.
	if err := d.TypeText(ctx, "composer", "draft"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	if err := d.Navigate(ctx, executor.CandidateAnchor(2)); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if err := d.SubmitComposedMessage(ctx); !executor.IsRecoverable(err) {
		t.Fatalf("submit after navigate = %v, want recoverable", err)
	}
}

func TestScriptDriverGuards(t *testing.T) {
	d, err := executor.ParseScript([]byte(fixture))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ctx := context.Background()

	if _, err := d.Capture(ctx); !executor.IsRecoverable(err) {
		t.Fatalf("capture before navigate = %v, want recoverable", err)
	}
	if err := d.Navigate(ctx, "https://elsewhere.example"); !executor.IsFatal(err) {
		t.Fatalf("navigate to unknown target = %v, want fatal", err)
	}
}

func TestCandidateAnchor(t *testing.T) {
	if got := executor.CandidateAnchor(7); got != "candidate:7" {
		t.Fatalf("anchor = %q", got)
	}
	if n := executor.ParseCandidateAnchor("candidate:7"); n != 7 {
		t.Fatalf("ordinal = %d", n)
	}
	for _, bad := range []string{"candidate:0", "candidate:x", "profile:1", ""} {
		if n := executor.ParseCandidateAnchor(bad); n != 0 {
			t.Fatalf("ParseCandidateAnchor(%q) = %d, want 0", bad, n)
		}
	}
}

func TestRemoteDriverFaultMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/click":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "element not found", "kind": "recoverable"})
		case "/navigate":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"kind": "no_more_candidates"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "browser crashed"})
		}
	}))
	defer srv.Close()

	d := executor.NewRemote(srv.URL, time.Second)
	ctx := context.Background()

	if err := d.ClickAt(ctx, 1, 2); !executor.IsRecoverable(err) {
		t.Fatalf("click fault = %v, want recoverable", err)
	}
	if err := d.Navigate(ctx, executor.CandidateAnchor(99)); !errors.Is(err, executor.ErrNoMoreCandidates) {
		t.Fatalf("navigate fault = %v, want ErrNoMoreCandidates", err)
	}
	if err := d.Scroll(ctx, 100); !executor.IsFatal(err) {
		t.Fatalf("scroll fault = %v, want fatal", err)
	}
}

func TestRemoteDriverCapture(t *testing.T) {
	var typed map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/capture":
			json.NewEncoder(w).Encode(map[string]any{
				"url":          "https://surface.example/p/1",
				"title":        "Jane",
				"visible_text": "Jane, gardener",
				"screenshot":   []byte{0x89, 0x50},
			})
		case "/type":
			if err := json.NewDecoder(r.Body).Decode(&typed); err != nil {
				t.Errorf("decode type payload: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	d := executor.NewRemote(srv.URL, time.Second)
	ctx := context.Background()

	obs, err := d.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if obs.VisibleText != "Jane, gardener" || obs.Title != "Jane" {
		t.Fatalf("observation = %+v", obs)
	}
	if !bytes.Equal(obs.Screenshot, []byte{0x89, 0x50}) {
		t.Fatalf("screenshot = %v", obs.Screenshot)
	}

	if err := d.TypeText(ctx, "#composer", "hello"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	if typed["selector"] != "#composer" || typed["text"] != "hello" {
		t.Fatalf("type payload = %v", typed)
	}
}

func TestRemoteDriverUnreachableIsFatal(t *testing.T) {
	d := executor.NewRemote("http://127.0.0.1:1", 200*time.Millisecond)
	if err := d.SubmitComposedMessage(context.Background()); !executor.IsFatal(err) {
		t.Fatalf("unreachable daemon = %v, want fatal", err)
	}
}

func TestVisibleText(t *testing.T) {
	got, err := executor.VisibleText("<div><script>x()</script>A  <b>B</b>\n\nC<noscript>no</noscript></div>")
	if err != nil {
		t.Fatalf("VisibleText: %v", err)
	}
	if got != "A B C" {
		t.Fatalf("text = %q, want %q", got, "A B C")
	}
}
