package monitor

import (
	"encoding/json"
	"log"

	"github.com/medbridge/medsync/internal/syncproto"
)

// PushCompleteData describes a finished push batch.
type PushCompleteData struct {
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
}

// ConflictData describes one rejected operation.
type ConflictData struct {
	OpID          string `json:"op_id"`
	EntityID      string `json:"entity_id"`
	ServerVersion int64  `json:"server_version"`
	Reason        string `json:"reason"`
}

// PullCompleteData describes a finished pull-and-merge.
type PullCompleteData struct {
	Entities   int    `json:"entities"`
	Records    int    `json:"records"`
	ServerTime string `json:"server_time"`
}

// Handler bridges sync engine events to monitor broadcasts. It satisfies
// the engine's Events interface.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a monitor server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// PushComplete broadcasts a push outcome.
func (h *Handler) PushComplete(applied, conflicts int) {
	h.send(MessageTypePushComplete, PushCompleteData{Applied: applied, Conflicts: conflicts})
}

// ConflictDetected broadcasts one rejected operation.
func (h *Handler) ConflictDetected(e syncproto.ConflictEntry) {
	h.send(MessageTypeConflict, ConflictData{
		OpID:          e.OpID,
		EntityID:      e.EntityID,
		ServerVersion: e.ServerVersion,
		Reason:        e.Reason,
	})
}

// PullComplete broadcasts a pull outcome.
func (h *Handler) PullComplete(entities, records int, serverTime string) {
	h.send(MessageTypePullComplete, PullCompleteData{
		Entities:   entities,
		Records:    records,
		ServerTime: serverTime,
	})
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Data: raw})
}
