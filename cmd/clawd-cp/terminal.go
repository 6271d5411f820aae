package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ridermw/ClawdBody/internal/auth"
	"github.com/ridermw/ClawdBody/internal/metrics"
	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/session"
	"github.com/ridermw/ClawdBody/internal/store"
	"github.com/ridermw/ClawdBody/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream message types pushed to terminal clients.
const (
	streamMsgConnected = "connected"
	streamMsgOutput    = "output"
	streamMsgBatch     = "batch"
	streamMsgSystem    = "system"
)

type streamMessage struct {
	Type    string   `json:"type"`
	Data    string   `json:"data,omitempty"`   // base64 terminal bytes
	Chunks  []string `json:"chunks,omitempty"` // base64, batch order preserved
	Message string   `json:"message,omitempty"`
}

type TerminalConnectRequest struct {
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	InstanceID string `json:"instanceId,omitempty"`
}

type TerminalConnectResponse struct {
	SessionID string `json:"sessionId"`
}

type TerminalInputRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type TerminalResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type TerminalSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleTerminalConnect(w http.ResponseWriter, r *http.Request) {
	var req TerminalConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		req.Cols, req.Rows = 80, 24
	}

	userID := auth.UserID(r.Context())
	rec, err := s.store.Get(r.Context(), userID)
	if err != nil || !rec.VMCreated || rec.InstanceID == "" {
		writeError(w, http.StatusNotFound, "no provisioned instance")
		return
	}
	if req.InstanceID != "" && req.InstanceID != rec.InstanceID {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}

	ch, status, msg := s.channelForRecord(rec)
	if ch == nil {
		writeError(w, status, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), remote.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		ch.Close()
		writeError(w, http.StatusGatewayTimeout, "instance did not accept the connection")
		return
	}

	buf := stream.NewBuffer()
	if err := ch.AttachInteractive(req.Cols, req.Rows, buf.Append); err != nil {
		ch.Close()
		writeError(w, http.StatusInternalServerError, "failed to start shell")
		return
	}

	sess, _ := s.sessions.Connect(context.Background(), userID, rec.InstanceID, ch, buf)
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	s.logger.Printf("terminal session %s connected to %s", sess.ID, rec.InstanceID)

	writeJSON(w, http.StatusOK, TerminalConnectResponse{SessionID: sess.ID})
}

// channelForRecord builds the unconnected shell channel for the
// record's provider and reports the HTTP status to use when it cannot.
func (s *Server) channelForRecord(rec *store.Record) (*remote.Channel, int, string) {
	switch rec.Provider {
	case provider.KindLocal:
		return remote.NewLocalChannel(), 0, ""

	case provider.KindAWS, provider.KindHetzner:
		key, ok := s.sshKeyForRecord(rec)
		if !ok {
			return nil, http.StatusBadRequest, "no SSH key stored for this instance"
		}
		user := rec.SSHUser
		if user == "" {
			user = s.cfg.SSH.User
		}
		return remote.NewSSHChannel(remote.SSHOptions{
			Addr:       net.JoinHostPort(rec.InstanceAddr, "22"),
			User:       user,
			PrivateKey: key,
		}), 0, ""

	default:
		// Pod-backed instances only expose one-shot command execution.
		return nil, http.StatusNotImplemented, "provider has no interactive shell"
	}
}

func (s *Server) sshKeyForRecord(rec *store.Record) ([]byte, bool) {
	if len(rec.EncryptedSSHKey) > 0 {
		key, err := s.box.Open(rec.EncryptedSSHKey)
		if err != nil {
			s.logger.Printf("unseal ssh key for %s: %v", rec.UserID, err)
			return nil, false
		}
		return key, true
	}
	if s.cfg.SSH.KeyPath != "" {
		key, err := os.ReadFile(s.cfg.SSH.KeyPath)
		if err != nil {
			s.logger.Printf("read ssh key %s: %v", s.cfg.SSH.KeyPath, err)
			return nil, false
		}
		return key, true
	}
	return nil, false
}

func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	userID := auth.UserID(r.Context())
	if !session.OwnedBy(sessionID, userID) {
		writeError(w, http.StatusForbidden, "session does not belong to caller")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	if err := sink.send(streamMessage{Type: streamMsgConnected}); err != nil {
		return
	}

	// The streamer stops when the session closes or the socket's read
	// loop sees the client go away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	streamer := stream.NewStreamer(sess.Buffer, sink)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}()

	s.logger.Printf("stream attached to session %s", sess.ID)
	streamer.Run(ctx)
	sink.send(streamMessage{Type: streamMsgSystem, Message: "stream closed"})
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	var req TerminalInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, ok := s.ownedSession(w, r, req.SessionID)
	if !ok {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}
	if err := sess.Channel.Write(data); err != nil {
		writeError(w, http.StatusConflict, "session shell is not writable")
		return
	}
	s.sessions.Touch(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var req TerminalResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, ok := s.ownedSession(w, r, req.SessionID)
	if !ok {
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := sess.Channel.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusConflict, "session shell is not resizable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalDisconnect(w http.ResponseWriter, r *http.Request) {
	var req TerminalSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.ownedSession(w, r, req.SessionID); !ok {
		return
	}
	s.sessions.Remove(req.SessionID)
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req TerminalSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.ownedSession(w, r, req.SessionID); !ok {
		return
	}
	s.sessions.Touch(req.SessionID)
	metrics.HeartbeatsReceived.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession resolves a session id and enforces that it belongs to the
// calling user, writing the error response itself otherwise.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, sessionID string) (*session.Session, bool) {
	if !session.OwnedBy(sessionID, auth.UserID(r.Context())) {
		writeError(w, http.StatusForbidden, "session does not belong to caller")
		return nil, false
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// wsSink delivers streamer output over one websocket. gorilla conns
// allow a single concurrent writer, hence the mutex.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ws *wsSink) SendOutput(data []byte) error {
	err := ws.send(streamMessage{
		Type: streamMsgOutput,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		metrics.OutputChunksDropped.Inc()
		return err
	}
	metrics.OutputChunksStreamed.Inc()
	return nil
}

func (ws *wsSink) SendBatch(chunks [][]byte) error {
	encoded := make([]string, len(chunks))
	for i, c := range chunks {
		encoded[i] = base64.StdEncoding.EncodeToString(c)
	}
	if err := ws.send(streamMessage{Type: streamMsgBatch, Chunks: encoded}); err != nil {
		metrics.OutputChunksDropped.Add(float64(len(chunks)))
		return err
	}
	metrics.OutputChunksStreamed.Add(float64(len(chunks)))
	return nil
}

func (ws *wsSink) send(msg streamMessage) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn.WriteJSON(msg)
}
