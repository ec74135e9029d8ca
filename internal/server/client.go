package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// client is one WebSocket connection. It runs at most one scan at a time.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan Message
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	scanning bool
	wg       sync.WaitGroup
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		srv:    s,
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		logger: s.logger.With(zap.String("remote", r.RemoteAddr)),
		ctx:    ctx,
		cancel: cancel,
	}

	go c.writePump()
	go c.readPump()
}

// SendMessage queues msg, dropping it when the client is not keeping up
func (c *client) SendMessage(msg Message) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("Message channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (c *client) SendLog(message, level string) {
	c.SendMessage(NewLogMessage(message, level))
}

func (c *client) SendError(scanID, message string, err error) {
	c.SendMessage(NewErrorMessage(scanID, message, err))
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("Failed to encode message", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Error writing message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		// Cancel any running scan and wait for it before closing send
		c.cancel()
		c.wg.Wait()
		close(c.send)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendError("", "Malformed message", err)
			continue
		}

		switch msg.Type {
		case TypeScan:
			c.handleScan(msg)
		case TypePing:
			c.SendMessage(NewPongMessage())
		default:
			c.SendError("", fmt.Sprintf("Unknown message type: %s", msg.Type), nil)
		}
	}
}

func (c *client) handleScan(msg Message) {
	pkg, err := ParseScanRequest(msg.Payload)
	if err != nil {
		c.SendError("", "Failed to parse scan request", err)
		return
	}

	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		c.SendError("", "Scan already in progress", nil)
		return
	}
	c.scanning = true
	c.mu.Unlock()

	scanID := c.srv.newID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.scanning = false
			c.mu.Unlock()
		}()
		c.runScan(scanID, pkg.ID, pkg.Name, pkg.Version)
	}()
}

func (c *client) runScan(scanID, id, name, version string) {
	logger := c.logger.With(zap.String("scan_id", scanID), zap.String("package", id))

	c.SendProgress(scanID, 0, "resolve", fmt.Sprintf("Fetching %s", id))
	result, manifest, err := c.srv.scanner.Scan(c.ctx, name, version)
	if err != nil {
		if errors.Is(c.ctx.Err(), context.Canceled) {
			logger.Info("Scan cancelled")
			return
		}
		logger.Error("Scan failed", zap.Error(err))
		c.SendError(scanID, "Scan failed", err)
		c.SendMessage(NewCompleteMessage(scanID, false, "Scan failed"))
		return
	}

	c.SendProgress(scanID, 80, "scan", fmt.Sprintf("Found %d findings, score %d", len(result.Findings), result.Score))
	c.SendMessage(NewResultMessage(scanID, result))

	if c.srv.reviewer != nil {
		c.SendProgress(scanID, 90, "review", "Requesting model review")
		assessment, err := c.srv.reviewer.Review(c.ctx, result, manifest)
		if err != nil {
			logger.Warn("Review failed", zap.Error(err))
			c.SendLog(fmt.Sprintf("Review failed: %v", err), "warning")
		} else {
			c.SendMessage(NewReviewMessage(scanID, assessment))
		}
	}

	c.SendProgress(scanID, 100, "complete", "Scan complete")
	c.SendMessage(NewCompleteMessage(scanID, true, "Scan complete"))
}

func (c *client) SendProgress(scanID string, percent int, stage, message string) {
	c.SendMessage(NewProgressMessage(scanID, percent, stage, message))
}
