package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/middleware"
)

// DefaultKeepalive is how often an idle stream receives a comment line.
const DefaultKeepalive = 30 * time.Second

// StreamHandler serves an SSE stream of the messages broadcast through mgr.
// A client may pick its id with the X-Client-Id header; otherwise one is generated.
func StreamHandler(mgr Manager, log *logger.Logger, keepalive time.Duration) gin.HandlerFunc {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}

	return func(c *gin.Context) {
		clientID := c.GetHeader(middleware.ClientIDHeader)
		if clientID == "" {
			clientID = uuid.New().String()
		}

		w := c.Writer
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		messages := mgr.AddClient(clientID)
		defer mgr.RemoveClient(clientID, messages)

		hello := Message{
			Type:      EventConnected,
			Data:      map[string]string{"client_id": clientID},
			Timestamp: time.Now(),
		}
		if err := WriteMessage(w, hello); err != nil {
			log.Error("Failed to write SSE greeting", err, map[string]interface{}{"client_id": clientID})
			return
		}
		w.Flush()

		mgr.NotifyClientConnected(clientID)

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return

			case msg, ok := <-messages:
				if !ok {
					return
				}
				if err := WriteMessage(w, msg); err != nil {
					log.Warn("Failed to write SSE message", map[string]interface{}{
						"client_id": clientID,
						"error":     err.Error(),
					})
					return
				}
				w.Flush()

			case <-ticker.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
				w.Flush()
			}
		}
	}
}

// WriteMessage writes msg in the SSE wire format with a JSON data line.
func WriteMessage(w io.Writer, msg Message) error {
	if msg.ID != 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", msg.ID); err != nil {
			return err
		}
	}
	if msg.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", msg.Type); err != nil {
			return err
		}
	}

	data := []byte("{}")
	if msg.Data != nil {
		encoded, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("marshal SSE data: %w", err)
		}
		data = encoded
	}

	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
