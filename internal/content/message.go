// Package content renders schedule event content and hands finished messages
// to the outbound gateway.
package content

import (
	"context"
	"fmt"

	"messaging/internal/types"
)

// Message is one rendered send to one individual recipient.
type Message struct {
	Domain     string `json:"domain"`
	ScheduleID string `json:"schedule_id"`
	InstanceID string `json:"instance_id"`
	EventNum   int    `json:"event_num"`
	Iteration  int    `json:"schedule_iteration_num"`

	ContentType   types.ContentType   `json:"content_type"`
	RecipientType types.RecipientKind `json:"recipient_kind"`
	RecipientID   string              `json:"recipient_id"`

	// Exactly one destination is set per content type. PhoneEntryID is set
	// alongside PhoneNumber when the number is a two-way entry.
	PhoneNumber  string `json:"phone_number,omitempty"`
	PhoneEntryID string `json:"phone_entry_id,omitempty"`
	Email        string `json:"email,omitempty"`

	Language string `json:"language,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body"`

	DedupKey string `json:"dedup_key"`
}

// Sender delivers rendered messages. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DedupKey identifies one event firing for one recipient, so a gateway can
// drop duplicates produced by a retried dispatch run.
func DedupKey(instanceID string, iteration, eventNum int, recipientID string) string {
	return fmt.Sprintf("%s:%d:%d:%s", instanceID, iteration, eventNum, recipientID)
}
