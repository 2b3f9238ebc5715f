// Package events defines the change-notification bus shared by the call
// record store and the signal mailbox. Payloads are hints only: subscribers
// re-read authoritative state on every delivery, so a bus may coalesce or
// drop notifications for a slow subscriber without losing data.
package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Bus publishes and fans out change notifications keyed by topic
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads for topic. The channel is
	// closed after cancel is called or ctx is done.
	Subscribe(ctx context.Context, topic string) (ch <-chan []byte, cancel func(), err error)
}

// CallTopic carries changes to one call record
func CallTopic(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s:record", callID)
}

// SignalTopic carries appends to one call's mailbox
func SignalTopic(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s:signals", callID)
}

// UserCallsTopic carries changes to any call the user takes part in
func UserCallsTopic(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:calls", userID)
}
