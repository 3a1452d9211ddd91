package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is emitted once for every accepted subject mutation. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	ID        uuid.UUID
	Timestamp time.Time
	Subject   string
	Action    string
	// Fields are rendered in order after the subject.
	Fields    []Field
	RequestID string
}

type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// F is shorthand for building a Field.
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

// LogLine renders the event as "{action}, did:{subject}, {key}: {value}, ...".
func (e Event) LogLine() string {
	var b strings.Builder
	b.WriteString(e.Action)
	b.WriteString(", did:")
	b.WriteString(e.Subject)
	for _, f := range e.Fields {
		b.WriteString(", ")
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sink persists or forwards events.
type Sink interface {
	Append(ctx context.Context, event Event) error
}
