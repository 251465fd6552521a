package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
)

// clientMessage is the control-plane message shape subscribers send.
type clientMessage struct {
	Action  string            `json:"action"`
	Type    string            `json:"type"`
	Filters map[string]string `json:"filters"`
}

// Serve runs the control-plane read loop for one registered connection until
// the client disconnects or ctx is cancelled. Unknown actions produce an
// error message without closing the connection; connection close is the sole
// cancellation of the subscriber's sends.
func (h *Hub) Serve(ctx context.Context, subID string, conn *websocket.Conn) {
	defer h.Unregister(subID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				h.log.Debug().Err(err).Str("subscription_id", subID).Msg("Subscriber read failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(ctx, subID, "INVALID_MESSAGE", "message must be a JSON object")
			continue
		}

		switch {
		case msg.Action == "subscribe":
			h.Subscribe(subID, Filters{
				Model:     msg.Filters["model"],
				Symbol:    msg.Filters["symbol"],
				EventType: msg.Filters["event_type"],
			})
		case msg.Action == "unsubscribe":
			h.Unsubscribe(subID)
		case msg.Type == "ping":
			if err := h.SendJSON(ctx, subID, map[string]string{"type": "pong"}); err != nil {
				return
			}
		default:
			h.sendError(ctx, subID, "INVALID_ACTION", fmt.Sprintf("unknown action: %s", msg.Action))
		}
	}
}

func (h *Hub) sendError(ctx context.Context, subID, code, message string) {
	err := h.SendJSON(ctx, subID, map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
	if err != nil {
		h.log.Debug().Err(err).Str("subscription_id", subID).Msg("Failed to send error message")
	}
}
