package messages

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/g8r/g8r/pkg/engine"
)

// StarlarkHandlerName is the name queues use to select the Starlark handler.
const StarlarkHandlerName = "starlark"

// maxStarlarkSteps bounds the work one script run may do.
const maxStarlarkSteps = 10_000_000

// StarlarkHandler runs the script in the queue's handler config "script" to
// turn a message into a request. The script sees:
//
//	message   struct(id, payload, attributes)  payload is the raw string
//	payload   the payload decoded as JSON, or the raw string
//	queue     the queue name
//	config    the queue's handler config
//	json      the json module (json.decode, json.encode)
//
// and sets any of the globals duties, rosters, revision and reason:
//
//	duties = [d for d in payload["changed"] if d.startswith("dns-")]
//	reason = "dns change " + message.id
type StarlarkHandler struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewStarlarkHandler creates the Starlark handler. A zero timeout means 10s.
func NewStarlarkHandler(logger zerolog.Logger, timeout time.Duration) *StarlarkHandler {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkHandler{
		logger:  logger.With().Str("component", "starlark-handler").Logger(),
		timeout: timeout,
	}
}

// Name implements engine.MessageHandler.
func (h *StarlarkHandler) Name() string {
	return StarlarkHandlerName
}

// Handle implements engine.MessageHandler.
func (h *StarlarkHandler) Handle(ctx context.Context, queue *engine.Queue, msg *engine.Message) (*engine.ConvergenceRequest, error) {
	script, _ := queue.HandlerConfig["script"].(string)
	if script == "" {
		return nil, engine.NewConfigurationError("starlark handler requires a script", nil).WithResource(queue.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "queue/" + queue.Name,
		Print: func(_ *starlark.Thread, text string) {
			h.logger.Debug().Str("queue", queue.Name).Str("message_id", msg.ID).Msg(text)
		},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared, err := h.predeclared(queue, msg)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("failed to expose message %s to script", msg.ID), err).
			WithResource(queue.Name)
	}

	globals, err := starlark.ExecFile(thread, queue.Name+".star", script, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("script timed out after %v", h.timeout), err).
				WithCode(engine.ErrCodeTimeout).
				WithResource(queue.Name)
		}
		return nil, engine.NewValidationError(fmt.Sprintf("script failed for message %s", msg.ID), err).
			WithResource(queue.Name)
	}

	req, err := requestFromGlobals(globals)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("script produced an invalid request for message %s", msg.ID), err).
			WithResource(queue.Name)
	}
	return finishRequest(req, msg), nil
}

func (h *StarlarkHandler) predeclared(queue *engine.Queue, msg *engine.Message) (starlark.StringDict, error) {
	attrs := starlark.NewDict(len(msg.Attributes))
	keys := make([]string, 0, len(msg.Attributes))
	for k := range msg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := attrs.SetKey(starlark.String(k), starlark.String(msg.Attributes[k])); err != nil {
			return nil, err
		}
	}

	payload, err := toStarlarkValue(decodePayload(msg.Payload))
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	cfg, err := toStarlarkValue(queue.HandlerConfig)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	message := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":         starlark.String(msg.ID),
		"payload":    starlark.String(msg.Payload),
		"attributes": attrs,
	})

	return starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":    starlarkjson.Module,
		"queue":   starlark.String(queue.Name),
		"config":  cfg,
		"payload": payload,
		"message": message,
	}, nil
}

// requestFromGlobals reads the request globals set by a script.
func requestFromGlobals(globals starlark.StringDict) (*engine.ConvergenceRequest, error) {
	req := &engine.ConvergenceRequest{}

	var err error
	if req.Duties, err = stringList(globals, "duties"); err != nil {
		return nil, err
	}
	if req.Rosters, err = stringList(globals, "rosters"); err != nil {
		return nil, err
	}
	if req.Revision, err = stringGlobal(globals, "revision"); err != nil {
		return nil, err
	}
	if req.Reason, err = stringGlobal(globals, "reason"); err != nil {
		return nil, err
	}
	return req, nil
}

func stringList(globals starlark.StringDict, name string) ([]string, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", name, v.Type())
	}

	var out []string
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("%s must contain strings, got %s", name, item.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func stringGlobal(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return "", nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}
	return s, nil
}

// toStarlarkValue converts decoded JSON or YAML values to Starlark values.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
