package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"matchline/internal/domain"
)

type scriptEntry struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// SentMessage records one submission made through a ScriptDriver.
type SentMessage struct {
	CandidateID string
	Text        string
}

// ScriptDriver plays back a JSON fixture of candidates instead of driving a
// real surface. Shadow calibration and tests run against it; submissions
// are recorded on Sent rather than delivered anywhere.
type ScriptDriver struct {
	entries  []scriptEntry
	texts    []string
	pos      int
	composed string
	Sent     []SentMessage
}

// NewScript loads a fixture file: a JSON array of {id, text} or {id, html}
// entries, in candidate order.
func NewScript(path string) (*ScriptDriver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseScript(data)
}

// ParseScript builds a driver from raw fixture bytes.
func ParseScript(data []byte) (*ScriptDriver, error) {
	var entries []scriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	d := &ScriptDriver{entries: entries}
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = fmt.Sprintf("candidate-%d", i+1)
		}
		text := entries[i].Text
		if entries[i].HTML != "" {
			rendered, err := VisibleText(entries[i].HTML)
			if err != nil {
				return nil, fmt.Errorf("fixture entry %d: %w", i+1, err)
			}
			text = rendered
		}
		d.texts = append(d.texts, text)
	}
	return d, nil
}

func (d *ScriptDriver) Navigate(ctx context.Context, target string) error {
	n := ParseCandidateAnchor(target)
	if n == 0 {
		return Fatal("navigate", fmt.Errorf("unknown target %q", target))
	}
	if n > len(d.entries) {
		return ErrNoMoreCandidates
	}
	d.pos = n
	d.composed = ""
	return nil
}

func (d *ScriptDriver) ClickAt(ctx context.Context, x, y int) error { return nil }

func (d *ScriptDriver) Scroll(ctx context.Context, amount int) error { return nil }

func (d *ScriptDriver) TypeText(ctx context.Context, selector, text string) error {
	if d.pos == 0 {
		return Recoverable("type", errors.New("no candidate open"))
	}
	d.composed += text
	return nil
}

func (d *ScriptDriver) Capture(ctx context.Context) (domain.Observation, error) {
	if d.pos == 0 {
		return domain.Observation{}, Recoverable("capture", errors.New("no candidate open"))
	}
	e := d.entries[d.pos-1]
	return domain.Observation{
		URL:         "fixture://" + e.ID,
		Title:       e.ID,
		VisibleText: d.texts[d.pos-1],
	}, nil
}

func (d *ScriptDriver) ExtractVisibleText(ctx context.Context) (string, error) {
	if d.pos == 0 {
		return "", Recoverable("extract_text", errors.New("no candidate open"))
	}
	return d.texts[d.pos-1], nil
}

func (d *ScriptDriver) SubmitComposedMessage(ctx context.Context) error {
	if d.pos == 0 {
		return Recoverable("submit", errors.New("no candidate open"))
	}
	if strings.TrimSpace(d.composed) == "" {
		return Recoverable("submit", errors.New("composer is empty"))
	}
	d.Sent = append(d.Sent, SentMessage{CandidateID: d.entries[d.pos-1].ID, Text: d.composed})
	d.composed = ""
	return nil
}

func (d *ScriptDriver) Close() error { return nil }
