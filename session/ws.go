package session

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// openFrame is the first client frame on a debug channel.
type openFrame struct {
	PipelineID string `json:"pipeline_id"`
	LogContent string `json:"log_content"`
}

// ChannelHandler serves the bidirectional debug session channel over
// websocket frames of the form { type, data|message }.
type ChannelHandler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewChannelHandler builds the websocket endpoint for debug sessions.
func NewChannelHandler(manager *Manager, logger *logrus.Logger) *ChannelHandler {
	return &ChannelHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection, creates the session from the opening
// frame, and runs the command/event loops until the client leaves. Client
// disconnect aborts the session unless exit was already observed.
func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	var open openFrame
	if err := conn.ReadJSON(&open); err != nil {
		h.logger.WithError(err).Warn("Failed to read session open frame")
		return
	}

	s, err := h.manager.Create(r.Context(), open.PipelineID, open.LogContent)
	if err != nil {
		_ = conn.WriteJSON(Event{Type: "error", Message: err.Error()})
		return
	}
	defer h.manager.Remove(s.ID)

	// Subscribe before pumping so no event between creation and loop start
	// is missed beyond the initial session_update, which is resent here.
	events := s.Subscribe()
	_ = conn.WriteJSON(Event{Type: "session_update", Data: s.Summary()})

	// Writer: the single goroutine that touches the connection for writes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}()

	// Reader: commands are handed to the session, which serializes them.
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			s.Abort()
			break
		}
		s.HandleCommand(r.Context(), cmd)
		if cmd.Name == "exit" {
			break
		}
	}
	<-done
}
