package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/hub"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/protocol"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/session"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

const writeTimeout = 10 * time.Second

// handleWS upgrades the connection and runs the realtime channel for one
// (document, replica) pair. The channel always opens with a sync-request
// from the replica; the hub's sync-response must be fully applied before the
// replica emits local operations.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	userID := requestUserID(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade: %v", err)
		return
	}
	defer conn.Close()

	var msg protocol.BaseMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	if msg.Type != protocol.TypeSyncRequest {
		writeErrorFrame(conn, protocol.CodeBadMessage, "connection must open with sync-request")
		return
	}
	var syncReq protocol.SyncRequestPayload
	if err := json.Unmarshal(msg.Payload, &syncReq); err != nil || syncReq.ReplicaID == "" {
		writeErrorFrame(conn, protocol.CodeBadMessage, "invalid sync-request")
		return
	}

	sess, catchup, err := s.sessions.Accept(r.Context(), docID, userID, syncReq.ReplicaID, syncReq.Frontier)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrForbidden):
			writeErrorFrame(conn, protocol.CodeForbidden, "no access to this document")
		case errors.Is(err, store.ErrNotFound):
			writeErrorFrame(conn, protocol.CodeNotFound, "document not found")
		default:
			log.Printf("[WS] accept doc=%s user=%s: %v", docID, userID, err)
		}
		return
	}
	defer sess.Close()

	frame, err := protocol.Encode(protocol.TypeSyncResponse, protocol.SyncResponsePayload{
		Ops:  catchup,
		Role: string(sess.Role()),
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}

	go writePump(conn, sess)
	s.readPump(r.Context(), conn, sess)
}

// readPump consumes replica messages until the connection drops or the
// session ends.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		var msg protocol.BaseMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		sess.Touch()

		switch msg.Type {
		case protocol.TypeOpBroadcast:
			var payload protocol.OpBroadcastPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				sendErrorFrame(sess, protocol.CodeBadMessage, "invalid op-broadcast")
				continue
			}
			acked, err := s.hub.Submit(ctx, sess, payload.Ops)
			switch {
			case err == nil:
				// Only this frame lets the replica drop ops from its pending
				// buffer; a socket write alone proves nothing.
				if len(acked) > 0 {
					if frame, err := protocol.Encode(protocol.TypeAck, protocol.AckPayload{Ops: acked}); err == nil {
						sess.TrySend(frame)
					}
				}
			case errors.Is(err, access.ErrForbidden):
				// Reject synchronously so the editor disables itself now
				// instead of on the next poll cycle.
				sendErrorFrame(sess, protocol.CodeForbidden, "role does not permit editing")
			case errors.Is(err, hub.ErrNotConnected):
				sendErrorFrame(sess, protocol.CodeBadMessage, "not connected, resynchronize first")
				return
			default:
				log.Printf("[WS] submit doc=%s: %v", sess.DocumentID, err)
			}
		case protocol.TypeSyncRequest:
			// Resynchronization happens on a fresh connection, never
			// mid-stream.
			sendErrorFrame(sess, protocol.CodeBadMessage, "already synchronized")
		default:
			sendErrorFrame(sess, protocol.CodeBadMessage, "unknown message type "+msg.Type)
		}
	}
}

// writePump delivers queued frames until the session ends.
func writePump(conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()
	for {
		select {
		case <-sess.Done():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-sess.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sess.Close()
				return
			}
			// A read-only session that is actively receiving broadcasts is
			// not idle.
			sess.Touch()
		}
	}
}

func writeErrorFrame(conn *websocket.Conn, code, message string) {
	frame, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.TextMessage, frame)
}

func sendErrorFrame(sess *session.Session, code, message string) {
	if frame, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err == nil {
		sess.TrySend(frame)
	}
}
