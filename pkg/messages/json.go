package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/g8r/g8r/pkg/engine"
)

// JSONHandlerName is the name queues use to select the JSON handler.
const JSONHandlerName = "json"

// JSONHandler reads the convergence request directly from the payload:
//
//	{"duties": ["cdn"], "rosters": ["prod-us"], "revision": "abc123", "reason": "cert renewed"}
//
// An empty payload or object requests a full resync. Unknown fields are
// rejected unless the queue's handler config sets "allow_unknown_fields".
type JSONHandler struct{}

// NewJSONHandler creates the JSON message handler.
func NewJSONHandler() *JSONHandler {
	return &JSONHandler{}
}

// Name implements engine.MessageHandler.
func (h *JSONHandler) Name() string {
	return JSONHandlerName
}

// Handle implements engine.MessageHandler.
func (h *JSONHandler) Handle(_ context.Context, queue *engine.Queue, msg *engine.Message) (*engine.ConvergenceRequest, error) {
	req := &engine.ConvergenceRequest{}

	if len(bytes.TrimSpace(msg.Payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(msg.Payload))
		if allow, _ := queue.HandlerConfig["allow_unknown_fields"].(bool); !allow {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(req); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("message %s is not a valid request", msg.ID), err).
				WithResource(queue.Name)
		}
	}

	return finishRequest(req, msg), nil
}

// finishRequest fills the revision and reason from message attributes when the
// handler left them empty and drops blank names.
func finishRequest(req *engine.ConvergenceRequest, msg *engine.Message) *engine.ConvergenceRequest {
	if req.Revision == "" {
		req.Revision = msg.Attributes["revision"]
	}
	if req.Reason == "" {
		req.Reason = msg.Attributes["reason"]
	}
	req.Duties = compact(req.Duties)
	req.Rosters = compact(req.Rosters)
	return req
}

func compact(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := names[:0]
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// decodePayload returns the payload as generic JSON, or as a string when it
// is not JSON.
func decodePayload(payload []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
