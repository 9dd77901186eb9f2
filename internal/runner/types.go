package runner

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"stresslab/internal/stats"
)

// RunSpec describes one run. It is not modified once the run starts.
type RunSpec struct {
	URL         string   `json:"url"`
	Duration    int      `json:"duration"`
	Concurrency int      `json:"concurrency"`
	Proxies     []string `json:"proxies"`
}

func (s RunSpec) clone() RunSpec {
	s.Proxies = slices.Clone(s.Proxies)
	return s
}

// Limits bound what a RunSpec may ask for.
type Limits struct {
	MaxConcurrency int
	MinDuration    int
	MaxDuration    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxConcurrency: 1000,
		MinDuration:    5,
		MaxDuration:    3600,
	}
}

// State of a run. Transitions only move forward:
// Created -> Running -> (Cancelling) -> Finished.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCancelling
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for st := StateCreated; st <= StateFinished; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", text)
}

// Summary is the read-only view of a run served to status and report
// queries.
type Summary struct {
	RunID        string        `json:"test_id"`
	State        State         `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at"`
	RequestsSent uint64        `json:"requests_sent"`
	Errors       uint64        `json:"errors"`
	RPS          float64       `json:"rps"`
	LatencyMs    stats.Latency `json:"latency_ms"`
	DurationS    int           `json:"duration_s"`
}

// Progress is the once-per-second live view of an active run.
type Progress struct {
	RunID        string `json:"test_id"`
	ElapsedS     int64  `json:"elapsed_s"`
	RequestsSent uint64 `json:"requests_sent"`
	Errors       uint64 `json:"errors"`
	// RPS is the success count of the latest one-second bucket.
	RPS       uint64        `json:"rps"`
	LatencyMs stats.Latency `json:"latency_ms"`
}

type MessageType string

const (
	MessageHello    MessageType = "hello"
	MessageProgress MessageType = "progress"
	MessageFinal    MessageType = "final"
)

// Message is what subscribers of a run receive. Exactly one of Progress and
// Summary is set for progress and final messages.
type Message struct {
	Type     MessageType
	RunID    string
	Progress *Progress
	Summary  *Summary
}

// MarshalJSON flattens the payload next to the type field.
func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Type == MessageFinal && m.Summary != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			Summary
		}{m.Type, *m.Summary})
	case m.Type == MessageProgress && m.Progress != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			Progress
		}{m.Type, *m.Progress})
	default:
		return json.Marshal(struct {
			Type  MessageType `json:"type"`
			RunID string      `json:"test_id"`
		}{m.Type, m.RunID})
	}
}

// UnmarshalJSON reads what MarshalJSON writes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type  MessageType `json:"type"`
		RunID string      `json:"test_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*m = Message{Type: head.Type, RunID: head.RunID}
	switch head.Type {
	case MessageProgress:
		m.Progress = new(Progress)
		return json.Unmarshal(data, m.Progress)
	case MessageFinal:
		m.Summary = new(Summary)
		return json.Unmarshal(data, m.Summary)
	}
	return nil
}
