package model

import (
	"encoding/json"
	"fmt"
)

// Priority orders commands across queue bands. Higher values dispatch first;
// within a band, ordering falls back to enqueue time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

var prioritiesByName = map[string]Priority{
	"low":    PriorityLow,
	"normal": PriorityNormal,
	"high":   PriorityHigh,
	"urgent": PriorityUrgent,
}

// ParsePriority maps a wire value ("low", "normal", "high", "urgent") to a
// Priority.
func ParsePriority(s string) (Priority, error) {
	p, ok := prioritiesByName[s]
	if !ok {
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Priorities lists all bands from most to least urgent, the order queue
// selection scans them in.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) MarshalJSON() ([]byte, error) {
	s, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("cannot marshal invalid priority %d", int(p))
	}
	return json.Marshal(s)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
