package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is the envelope for all traffic over the activity socket.
// The Id of a command is echoed in its reply so the client can pair them,
// and Origin/Target route replies to the right connection.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Id     int               `json:"id"`
	Type   socketMessageType `json:"type"`
	Origin *uuid.UUID        `json:"-"`
	Target *uuid.UUID        `json:"-"`
}

// ValidateArguments checks that the body contains each required key, and
// that its value has the primitive type named ("number", "int" or "string").
func (message *SocketMessage) ValidateArguments(required map[string]string) error {
	const errFmt = "failed to validate key '%v' with type '%v' - %#v"

	for key, kind := range required {
		v, ok := message.Body[key]
		if !ok {
			return fmt.Errorf("failed to validate key '%v' - key is missing", key)
		}

		switch kind {
		case "number", "int":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		case "string":
			if s, ok := v.(string); !ok || s == "" {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		default:
			return fmt.Errorf(errFmt, key, kind, "unknown type")
		}
	}

	return nil
}

// FormReply returns a NEW message addressed back to the origin of this
// one, carrying the same Id.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]any, replyType socketMessageType) *SocketMessage {
	if replyBody != nil {
		replyBody["command"] = message.Body
	}

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
