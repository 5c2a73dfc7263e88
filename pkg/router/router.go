package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/theapemachine/awt-go/pkg/errors"
)

// A small command router in the spirit of JSON-RPC method dispatch:
// requests carry {type, ...}, responses {ok, ...}. Handlers receive the
// raw request body and return a result map or a typed router error.

/*
HandlerFunc processes one command. Returning (nil, nil) yields {ok:true}.
*/
type HandlerFunc func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError)

/*
Router multiplexes command types to handler functions.
*/
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

/*
New creates an empty router.
*/
func New() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

/*
Register adds or replaces the handler for a command type.
*/
func (r *Router) Register(commandType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandType] = handler
}

type envelope struct {
	Type string `json:"type"`
}

/*
Dispatch routes one raw command and shapes the {ok, ...} response.
*/
func (r *Router) Dispatch(ctx context.Context, raw []byte) map[string]any {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return errorResponse(errors.ErrInvalidJSON)
	}

	r.mu.RLock()
	handler, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return errorResponse(errors.ErrUnknownCommand.WithMessagef("no handler for %q", env.Type))
	}

	result, routerErr := handler(ctx, raw)
	if routerErr != nil {
		return errorResponse(routerErr)
	}

	response := map[string]any{"ok": true}
	for key, value := range result {
		response[key] = value
	}
	return response
}

func errorResponse(err *errors.RouterError) map[string]any {
	response := map[string]any{
		"ok":    false,
		"error": err.Kind,
	}
	if err.Data != nil {
		response["data"] = err.Data
	}
	return response
}
