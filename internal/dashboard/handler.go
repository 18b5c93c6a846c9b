package dashboard

import (
	"log"
	"reflect"

	"github.com/stocksync/stocksync/internal/orchestrator"
)

// Handler turns orchestrator status transitions into dashboard messages.
// Register OnStatus with Orchestrator.Subscribe; it never blocks.
type Handler struct {
	server *Server
	logger *log.Logger

	last    orchestrator.StatusInfo
	hasLast bool
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// OnStatus handles one transition. Calls must not overlap; the orchestrator
// delivers them from its loop.
func (h *Handler) OnStatus(info orchestrator.StatusInfo) {
	msg, err := statusMessage(info)
	if err != nil {
		h.logger.Printf("Failed to format status: %v", err)
		return
	}
	h.server.Broadcast(msg)

	prev, hadPrev := h.last, h.hasLast
	h.last, h.hasLast = info, true

	if len(info.Conflicts) > 0 && (!hadPrev || !reflect.DeepEqual(prev.Conflicts, info.Conflicts)) {
		h.logger.Printf("%d conflicts resolved for %s", len(info.Conflicts), info.Identity)
		h.send(MessageTypeConflicts, info.Conflicts)
	}
	if !info.LastSyncedAt.IsZero() && (!hadPrev || !info.LastSyncedAt.Equal(prev.LastSyncedAt)) {
		h.send(MessageTypeSynced, SyncedData{
			Identity: info.Identity,
			Token:    info.Token,
			At:       info.LastSyncedAt,
		})
	}
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to format message: %v", err)
		return
	}
	h.server.Broadcast(msg)
}
