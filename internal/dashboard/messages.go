package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stocksync/stocksync/internal/orchestrator"
)

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	// MessageTypeStatus carries an orchestrator.StatusInfo.
	MessageTypeStatus MessageType = "status"

	// MessageTypeConflicts carries the []merge.Conflict resolved by the
	// last merge.
	MessageTypeConflicts MessageType = "conflicts"

	// MessageTypeSynced carries a SyncedData after a pull or push reached
	// the remote.
	MessageTypeSynced MessageType = "synced"
)

// Message is one frame sent to WebSocket clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncedData is the payload of MessageTypeSynced.
type SyncedData struct {
	Identity string    `json:"identity"`
	Token    string    `json:"token"`
	At       time.Time `json:"at"`
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

func statusMessage(info orchestrator.StatusInfo) (Message, error) {
	return newMessage(MessageTypeStatus, info)
}

// frame encodes msg for the wire, stamping it if the sender did not.
func frame(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}
