package replica

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/protocol"
)

// Client maintains the replica's connection to the hub: initial sync, live
// broadcast merging, submission of local edits, and reconnection with
// exponential backoff. After a reconnect it resynchronizes first and then
// replays the pending buffer. An operation leaves the pending buffer only
// when the hub's ack frame names it; a write that never reached the hub is
// replayed on the next connection.
type Client struct {
	url     string
	replica *Replica

	// OnRole is invoked when the hub pushes a role change, so the editor can
	// stop permitting edits immediately on a downgrade.
	OnRole func(role string)
	// OnReject is invoked when the hub rejects a submit, e.g. forbidden.
	OnReject func(code, message string)

	outbox chan []*crdt.Op
}

// NewClient builds a client for the given websocket URL (including the auth
// token query parameter).
func NewClient(url string, r *Replica) *Client {
	return &Client{
		url:     url,
		replica: r,
		outbox:  make(chan []*crdt.Op, 64),
	}
}

// Submit queues local operations for transmission. Safe to call while
// disconnected; the pending buffer covers replay.
func (c *Client) Submit(ops []*crdt.Op) {
	if len(ops) == 0 {
		return
	}
	select {
	case c.outbox <- ops:
	default:
		// The pending buffer still has them; they go out with the next
		// resync replay.
		log.Printf("[Client] outbox full, deferring %d ops to replay", len(ops))
	}
}

// Run connects and keeps the session alive until ctx is cancelled,
// reconnecting with exponential backoff after any failure.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until cancelled
	return backoff.Retry(func() error {
		if err := c.session(ctx, bo); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Printf("[Client] connection lost: %v", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// session runs one connection: handshake, replay, then the two pumps.
func (c *Client) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The connection always opens with a sync-request, and no local
	// operation is emitted before the sync-response is fully applied, so
	// nothing we send can anchor on an id the hub does not know.
	frame, err := protocol.Encode(protocol.TypeSyncRequest, protocol.SyncRequestPayload{
		ReplicaID: c.replica.ID(),
		Frontier:  c.replica.Frontier(),
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}

	if err := c.awaitSync(conn); err != nil {
		return err
	}
	bo.Reset()

	// Replay anything the hub may have missed while we were gone. Merge is
	// idempotent, so re-sending ops the hub already has is harmless; they
	// stay buffered until the ack frame names them.
	if pending := c.replica.Pending(); len(pending) > 0 {
		log.Printf("[Client] replaying %d pending ops", len(pending))
		if err := c.write(conn, pending); err != nil {
			return err
		}
	}

	errc := make(chan error, 2)
	go c.readPump(conn, errc)
	go c.writePump(ctx, conn, errc)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
}

func (c *Client) awaitSync(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg protocol.BaseMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeSyncResponse:
			var payload protocol.SyncResponsePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return err
			}
			c.replica.Receive(payload.Ops)
			if c.OnRole != nil {
				c.OnRole(payload.Role)
			}
			return nil
		case protocol.TypeError:
			var payload protocol.ErrorPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return err
			}
			return errors.New(payload.Code + ": " + payload.Message)
		default:
			// Nothing else is valid before the sync-response.
			return errors.New("unexpected message before sync-response: " + msg.Type)
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, errc chan<- error) {
	for {
		var msg protocol.BaseMessage
		if err := conn.ReadJSON(&msg); err != nil {
			errc <- err
			return
		}
		switch msg.Type {
		case protocol.TypeOpBroadcast:
			var payload protocol.OpBroadcastPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				errc <- err
				return
			}
			c.replica.Receive(payload.Ops)
		case protocol.TypeAck:
			var payload protocol.AckPayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil {
				c.replica.AckIDs(payload.Ops)
			}
		case protocol.TypeRole:
			var payload protocol.RolePayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil && c.OnRole != nil {
				c.OnRole(payload.Role)
			}
		case protocol.TypeError:
			var payload protocol.ErrorPayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil && c.OnReject != nil {
				c.OnReject(payload.Code, payload.Message)
			}
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, errc chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ops := <-c.outbox:
			if err := c.write(conn, ops); err != nil {
				errc <- err
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, ops []*crdt.Op) error {
	frame, err := protocol.Encode(protocol.TypeOpBroadcast, protocol.OpBroadcastPayload{Ops: ops})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
