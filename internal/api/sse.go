package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"coachchat/internal/models"
)

// sseStream frames chat turn events as server-sent events.
type sseStream struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(c *gin.Context) (*sseStream, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &sseStream{w: c.Writer, flusher: flusher}, true
}

func (s *sseStream) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Ack(chatID string, userMessage *models.Message) error {
	return s.send("ack", gin.H{"chatId": chatID, "message": userMessage})
}

func (s *sseStream) Delta(content string) error {
	return s.send("stream", gin.H{"content": content})
}

func (s *sseStream) TitleUpdate(chatID, title string) error {
	return s.send("title-update", gin.H{"chatId": chatID, "title": title})
}

func (s *sseStream) Error(message string) error {
	return s.send("error", gin.H{"message": message})
}

func (s *sseStream) Done(assistantMessage *models.Message) error {
	return s.send("done", gin.H{"message": assistantMessage})
}
