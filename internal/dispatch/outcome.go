package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/stoik/herald/internal/events"
)

// RecipientResult is the attributable result of one send.
type RecipientResult struct {
	DelegateID uuid.UUID // uuid.Nil for the owner
	Name       string    // empty for the owner
	Phone      string
	MessageID  string
	Err        error
}

// OK reports whether the send was accepted by the transport.
func (r RecipientResult) OK() bool { return r.Err == nil }

// Outcome summarises one dispatch.
type Outcome struct {
	AccountID  uuid.UUID
	LocalDate  string
	EventCount int
	Body       string

	// Primary is nil when the owner has no phone.
	Primary   *RecipientResult
	Delegates []RecipientResult

	Stamped        bool
	ReauthRequired bool
	Manual         bool

	// Err is the stage error that cut the dispatch short, if any.
	Err error
}

// Sent counts accepted sends.
func (o Outcome) Sent() int {
	n := 0
	for _, r := range o.results() {
		if r.OK() {
			n++
		}
	}
	return n
}

// Failed counts rejected sends.
func (o Outcome) Failed() int {
	return len(o.results()) - o.Sent()
}

func (o Outcome) results() []RecipientResult {
	out := make([]RecipientResult, 0, len(o.Delegates)+1)
	if o.Primary != nil {
		out = append(out, *o.Primary)
	}
	return append(out, o.Delegates...)
}

func (o Outcome) message(completedAt time.Time) events.DispatchCompleted {
	msg := events.DispatchCompleted{
		AccountID:      o.AccountID,
		LocalDate:      o.LocalDate,
		EventCount:     o.EventCount,
		Sent:           o.Sent(),
		Failed:         o.Failed(),
		Stamped:        o.Stamped,
		ReauthRequired: o.ReauthRequired,
		Manual:         o.Manual,
		CompletedAt:    completedAt,
	}
	if o.Err != nil {
		msg.Error = o.Err.Error()
	}
	return msg
}
