package protocol

import "time"

// TranscriptFragment is one unit of raw text emitted by the external STT
// engine for an active session. The engine owes no end-of-stream signal;
// silence is detected by the session worker, not announced here.
type TranscriptFragment struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentPayload is the viewer-facing projection of one approved segment.
type SegmentPayload struct {
	SegmentID       int64  `json:"segment_id"`
	Order           int    `json:"order"`
	SourceText      string `json:"source_text"`
	ApprovedCaption string `json:"approved_caption"`
}

// CandidateRef identifies the best-scoring candidate of a match attempt,
// whether or not it cleared the threshold.
type CandidateRef struct {
	SegmentID int64 `json:"segment_id"`
	Order     int   `json:"order"`
}

// Viewer message kinds. Every frame sent to a viewer carries exactly one of
// these in its "type" field; clients decode on it and nothing else.
const (
	KindStarted    = "started"
	KindDiagnostic = "diagnostic"
	KindMatch      = "match"
	KindStatus     = "status"
	KindResync     = "resync"
	KindEnded      = "ended"
	KindError      = "error"
)

// StartedMessage is sent once when a session begins.
type StartedMessage struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	SessionID      string `json:"session_id"`
	SermonID       int64  `json:"sermon_id"`
	SegmentsLoaded int    `json:"segments_loaded"`
}

// DiagnosticMessage mirrors one match attempt for debugging displays. It is
// only broadcast when align.broadcast_diagnostics is enabled.
type DiagnosticMessage struct {
	Type         string        `json:"type"`
	Spoken       string        `json:"spoken"`
	BufferText   string        `json:"buffer_text"`
	BufferChunks int           `json:"buffer_chunks"`
	Score        float64       `json:"score"`
	Matched      bool          `json:"matched"`
	Threshold    float64       `json:"threshold"`
	Candidate    *CandidateRef `json:"candidate"`
}

// MatchMessage announces a confirmed caption change. SkippedSegments carries
// every segment bypassed by a forward jump, in order, so displays can render
// skip markers instead of silently losing script.
type MatchMessage struct {
	Type            string           `json:"type"`
	Segment         *SegmentPayload  `json:"segment"`
	SkippedSegments []SegmentPayload `json:"skipped_segments"`
	Score           float64          `json:"score"`
	Threshold       float64          `json:"threshold"`
	Position        int              `json:"position"`
	TotalSegments   int              `json:"total_segments"`
}

// StatusMessage announces a session status transition (listening/waiting).
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ResyncMessage is the full state snapshot a late joiner receives on attach.
// It must carry enough to paint a display without waiting for speech.
type ResyncMessage struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	SermonID       int64           `json:"sermon_id"`
	Status         string          `json:"status"`
	Segment        *SegmentPayload `json:"segment"`
	Position       int             `json:"position"`
	TotalSegments  int             `json:"total_segments"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
}

// EndedMessage is the terminal frame for a session.
type EndedMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// ErrorMessage reports an unrecoverable per-session fault. Internal detail
// stays out of it; viewers get the defined vocabulary only.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Control messages for the supervisor's request/reply subjects.
type StartSessionRequest struct {
	SermonID int64 `json:"sermon_id"`
}

type StartSessionReply struct {
	SessionID      string `json:"session_id,omitempty"`
	SegmentsLoaded int    `json:"segments_loaded,omitempty"`
	Error          string `json:"error,omitempty"`
}

type StopSessionRequest struct {
	SessionID string `json:"session_id"`
}

type FlagMatchRequest struct {
	SessionID string `json:"session_id"`
	Notes     string `json:"notes,omitempty"`
}

type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const (
	// SubjectFragmentPrefix carries STT output: asr.text.<session_id>.
	SubjectFragmentPrefix = "asr.text"
	// SubjectCaptionPrefix fans out viewer frames: caption.session.<session_id>.
	// Late joiners request a snapshot on caption.session.<session_id>.resync.
	SubjectCaptionPrefix = "caption.session"

	SubjectSessionStart = "ctrl.session.start"
	SubjectSessionStop  = "ctrl.session.stop"
	SubjectSessionFlag  = "ctrl.session.flag"
)

// FragmentSubject returns the ingest subject for one session.
func FragmentSubject(sessionID string) string {
	return SubjectFragmentPrefix + "." + sessionID
}

// CaptionSubject returns the viewer fan-out subject for one session.
func CaptionSubject(sessionID string) string {
	return SubjectCaptionPrefix + "." + sessionID
}

// ResyncSubject returns the request/reply subject for late-join snapshots.
func ResyncSubject(sessionID string) string {
	return CaptionSubject(sessionID) + ".resync"
}
