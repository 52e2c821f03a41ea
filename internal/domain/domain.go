package domain

const (
	ModeAdvisor = "advisor"
	ModeRubric  = "rubric"
	ModeHybrid  = "hybrid"
)

const (
	OutcomeSend  = "SEND"
	OutcomeSkip  = "SKIP"
	OutcomeDefer = "DEFER"
)

const (
	PeriodDay  = "day"
	PeriodWeek = "week"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusFailed    = "failed"
)

const (
	ActionClick    = "click"
	ActionType     = "type"
	ActionScroll   = "scroll"
	ActionWait     = "wait"
	ActionNavigate = "navigate"
)

type Candidate struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Text        string `json:"text"`
	CapturedAt  string `json:"captured_at" format:"date-time"`
}

type Criteria struct {
	Requirements string             `json:"requirements"`
	Weights      map[string]float64 `json:"weights,omitempty"`
}

type Verdict struct {
	Outcome      string  `json:"outcome" enum:"SEND,SKIP,DEFER"`
	Rationale    string  `json:"rationale"`
	Score        float64 `json:"score"`
	Mode         string  `json:"mode" enum:"advisor,rubric,hybrid"`
	MessageDraft string  `json:"message_draft,omitempty"`
}

type SeenRecord struct {
	Fingerprint string  `json:"fingerprint"`
	FirstSeenAt string  `json:"first_seen_at" format:"date-time"`
	Sent        bool    `json:"sent"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
}

type QuotaCounter struct {
	Period      string `json:"period" enum:"day,week"`
	Count       int    `json:"count"`
	WindowStart string `json:"window_start" format:"date-time"`
}

type Run struct {
	ID         string  `json:"id"`
	Mode       string  `json:"mode" enum:"advisor,rubric,hybrid"`
	Shadow     bool    `json:"shadow"`
	Status     string  `json:"status" enum:"running,completed,cancelled,failed"`
	StopReason string  `json:"stop_reason,omitempty"`
	Processed  int     `json:"processed"`
	Sent       int     `json:"sent"`
	Skipped    int     `json:"skipped"`
	Deferred   int     `json:"deferred"`
	Failed     int     `json:"failed"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	RunID       string `json:"run_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Observation is what the executor captures and the planner reasons over.
type Observation struct {
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	VisibleText string `json:"visible_text"`
	Screenshot  []byte `json:"screenshot,omitempty"`
}

// UIAction is one atomic step suggested by the planner and performed by the
// executor.
type UIAction struct {
	Type     string `json:"type" enum:"click,type,scroll,wait,navigate"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	Amount   int    `json:"amount,omitempty"`
	Millis   int    `json:"millis,omitempty"`
	Target   string `json:"target,omitempty"`
}
