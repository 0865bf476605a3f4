package messages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/engine"
)

// RegoHandlerName is the name queues use to select the Rego handler.
const RegoHandlerName = "rego"

// DefaultRegoQuery is evaluated when the handler config sets no "query".
const DefaultRegoQuery = "data.g8r.queue.request"

// RegoHandler evaluates the policy in the queue's handler config "policy"
// against the message and reads the request from the query result. The input
// document is:
//
//	{"queue": "...", "message": {"id": "...", "attributes": {...}, "payload": <decoded JSON or string>}}
//
// An optional "data" map in the handler config is loaded as the policy's base
// document. A query that is undefined yields a full resync unless
// "require_decision" is true, in which case the message is rejected.
type RegoHandler struct {
	logger zerolog.Logger

	mu       sync.Mutex
	prepared map[string]rego.PreparedEvalQuery
}

// NewRegoHandler creates the Rego handler.
func NewRegoHandler(logger zerolog.Logger) *RegoHandler {
	return &RegoHandler{
		logger:   logger.With().Str("component", "rego-handler").Logger(),
		prepared: make(map[string]rego.PreparedEvalQuery),
	}
}

// Name implements engine.MessageHandler.
func (h *RegoHandler) Name() string {
	return RegoHandlerName
}

// Handle implements engine.MessageHandler.
func (h *RegoHandler) Handle(ctx context.Context, queue *engine.Queue, msg *engine.Message) (*engine.ConvergenceRequest, error) {
	query, err := h.prepare(ctx, queue)
	if err != nil {
		return nil, err
	}

	input := map[string]interface{}{
		"queue": queue.Name,
		"message": map[string]interface{}{
			"id":         msg.ID,
			"attributes": msg.Attributes,
			"payload":    decodePayload(msg.Payload),
		},
	}

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("policy evaluation failed for message %s", msg.ID), err).
			WithResource(queue.Name)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		if required, _ := queue.HandlerConfig["require_decision"].(bool); required {
			return nil, engine.NewValidationError(fmt.Sprintf("policy made no decision for message %s", msg.ID), nil).
				WithResource(queue.Name)
		}
		h.logger.Debug().Str("queue", queue.Name).Str("message_id", msg.ID).Msg("Policy undefined, requesting full resync")
		return finishRequest(&engine.ConvergenceRequest{}, msg), nil
	}

	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, engine.NewValidationError("failed to encode policy result", err).WithResource(queue.Name)
	}
	req := &engine.ConvergenceRequest{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("policy result is not a request: %s", raw), err).
			WithResource(queue.Name)
	}
	return finishRequest(req, msg), nil
}

// prepare compiles the queue's policy once per distinct policy, query and data.
func (h *RegoHandler) prepare(ctx context.Context, queue *engine.Queue) (rego.PreparedEvalQuery, error) {
	policy, _ := queue.HandlerConfig["policy"].(string)
	if policy == "" {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("rego handler requires a policy", nil).
			WithResource(queue.Name)
	}
	queryText, _ := queue.HandlerConfig["query"].(string)
	if queryText == "" {
		queryText = DefaultRegoQuery
	}
	data, _ := queue.HandlerConfig["data"].(map[string]interface{})

	key, err := cacheKey(queue.Name, policy, queryText, data)
	if err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("policy data is not serializable", err).
			WithResource(queue.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if pq, ok := h.prepared[key]; ok {
		return pq, nil
	}

	moduleName := queue.Name + ".rego"
	if _, err := ast.ParseModule(moduleName, policy); err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to parse policy", err).
			WithResource(queue.Name)
	}

	opts := []func(*rego.Rego){
		rego.Module(moduleName, policy),
		rego.Query(queryText),
	}
	if data != nil {
		opts = append(opts, rego.Store(inmem.NewFromObject(data)))
	}

	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to compile policy", err).
			WithResource(queue.Name)
	}

	h.prepared[key] = pq
	h.logger.Debug().Str("queue", queue.Name).Str("query", queryText).Msg("Prepared queue policy")
	return pq, nil
}

func cacheKey(queue, policy, query string, data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	for _, part := range [][]byte{[]byte(queue), []byte(policy), []byte(query), raw} {
		sum.Write(part)
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
