package agent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/message"
)

// Message kinds accepted by the queue.
const (
	KindUser     = "user"
	KindReminder = "reminder"
)

// SendOptions tune one queued message.
type SendOptions struct {
	Kind string
	// SkipStandardEnding leaves reminder text unwrapped.
	SkipStandardEnding bool
}

// MessageQueue feeds user input and system reminders into the transcript.
// Delivery appends immediately (the agent persists under its own lock), so
// Flush is an ordering formality kept for symmetry with batching hosts.
type MessageQueue struct {
	deliver func(message.Message) error
	ensure  func()
}

func newMessageQueue(deliver func(message.Message) error, ensure func()) *MessageQueue {
	return &MessageQueue{deliver: deliver, ensure: ensure}
}

// Send appends a user-role message with one text block and wakes the loop.
// Reminders are wrapped in <system-reminder> tags so the model can tell
// runtime nudges from real user input.
func (q *MessageQueue) Send(text string, opts SendOptions) (string, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindUser
	}
	if kind == KindReminder && !opts.SkipStandardEnding {
		text = fmt.Sprintf("<system-reminder>\n%s\n</system-reminder>", text)
	}

	id := uuid.NewString()
	msg := message.UserText(text)
	msg.Metadata = map[string]any{"id": id, "kind": kind}

	if err := q.deliver(msg); err != nil {
		return "", err
	}
	q.ensure()
	return id, nil
}

// SendReminder queues a wrapped reminder message.
func (q *MessageQueue) SendReminder(text string) (string, error) {
	return q.Send(text, SendOptions{Kind: KindReminder})
}

// Flush is a no-op: messages are appended at Send time, in insertion order.
func (q *MessageQueue) Flush() {}
