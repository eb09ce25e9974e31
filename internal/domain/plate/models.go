package plate

import (
	"encoding/json"
	"time"
)

// UpdateType is the lifecycle phase of an upstream detection event.
type UpdateType string

const (
	UpdateNew    UpdateType = "new"
	UpdateUpdate UpdateType = "update"
	UpdateEnd    UpdateType = "end"
)

// Engine identifies the recognition back-end that produced a result.
type Engine string

const (
	EnginePlateRecognizer Engine = "plate_recognizer"
	EngineCodeProject     Engine = "code_project"
)

// ObjectAttribute is one detected attribute on a tracked object,
// e.g. a license_plate box with its own confidence.
type ObjectAttribute struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// LifecycleEvent is one ingested detection lifecycle message, already
// decoded from the transport payload.
type LifecycleEvent struct {
	ID           string
	Type         UpdateType
	Camera       string
	Label        string
	TopScore     float64
	PrevTopScore float64
	StartTime    time.Time
	Zones        []string
	Attributes   []ObjectAttribute
	HasSnapshot  bool
	Raw          json.RawMessage
}

// Candidate is an alternative plate reading with its own confidence.
type Candidate struct {
	Plate string  `json:"plate"`
	Score float64 `json:"score"`
}

// RecognitionResult is the normalized output of any recognition engine.
// Plate is upper-cased; Candidates are ordered by descending score and,
// when non-empty, lead with the top plate reading.
type RecognitionResult struct {
	Plate        string      `json:"plate"`
	Score        float64     `json:"score"`
	Candidates   []Candidate `json:"candidates,omitempty"`
	SourceEngine Engine      `json:"source_engine"`
}

// Empty reports whether the engine found no plate at all.
func (r RecognitionResult) Empty() bool {
	return r.Plate == "" && len(r.Candidates) == 0
}

// MatchMethod describes how a recognition result was matched against
// the watch-list.
type MatchMethod string

const (
	MatchCandidateExact MatchMethod = "candidate_exact"
	MatchFuzzy          MatchMethod = "fuzzy"
	MatchNone           MatchMethod = "none"
)

// MatchOutcome is the watch-list resolution for one recognition result.
// OriginalPlate always preserves the pre-match reading for audit.
type MatchOutcome struct {
	MatchedPlate  string      `json:"matched_plate,omitempty"`
	OriginalPlate string      `json:"original_plate"`
	Method        MatchMethod `json:"method"`
	FuzzyScore    float64     `json:"fuzzy_score,omitempty"`
	// MatchedScore is the matched candidate's own confidence, set only
	// for candidate-exact matches. It replaces the top reading's score
	// for downstream publishing.
	MatchedScore float64 `json:"matched_score,omitempty"`
}

// Matched reports whether a watch-list entry was found.
func (o MatchOutcome) Matched() bool {
	return o.Method != MatchNone
}

// BestPlate is the plate downstream consumers should use: the watch-list
// entry when a match occurred, the original reading otherwise.
func (o MatchOutcome) BestPlate() string {
	if o.Matched() {
		return o.MatchedPlate
	}
	return o.OriginalPlate
}

// Message is the enriched result published back to the message bus.
type Message struct {
	PlateNumber    string   `json:"plate_number"`
	Score          float64  `json:"score"`
	EventID        string   `json:"event_id"`
	CameraName     string   `json:"camera_name"`
	StartTime      string   `json:"start_time"`
	Method         string   `json:"method"`
	OriginalPlate  string   `json:"original_plate,omitempty"`
	FuzzyScore     *float64 `json:"fuzzy_score,omitempty"`
	IsWatchedPlate bool     `json:"is_watched_plate"`
}
