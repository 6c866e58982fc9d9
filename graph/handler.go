//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the unit of business logic behind a handler or router node.
// Implementations receive the resolved input map and report their outcome as
// a NodeResult; cancellation and per-node timeouts arrive through ctx.
type Handler interface {
	Execute(ctx context.Context, execCtx *ExecutionContext, inputs map[string]any) *NodeResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, execCtx *ExecutionContext, inputs map[string]any) *NodeResult

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, execCtx *ExecutionContext, inputs map[string]any) *NodeResult {
	return f(ctx, execCtx, inputs)
}

// Router selects the processor graph key for one item of a heterogeneous map
// node.
type Router interface {
	Route(item any) string
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(item any) string

// Route implements Router.
func (f RouterFunc) Route(item any) string { return f(item) }

// HandlerResolver resolves handler names to handler instances.
type HandlerResolver interface {
	ResolveHandler(name string) (Handler, error)
}

// RouterResolver resolves router names to router instances.
type RouterResolver interface {
	ResolveRouter(name string) (Router, error)
}

// Registry is a map-backed HandlerResolver and RouterResolver.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	routers  map[string]Router
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		routers:  make(map[string]Router),
	}
}

// RegisterHandler adds a handler under the given name, replacing any
// previous registration.
func (r *Registry) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterHandlerFunc adds a function handler under the given name.
func (r *Registry) RegisterHandlerFunc(name string, f HandlerFunc) {
	r.RegisterHandler(name, f)
}

// RegisterRouter adds a router under the given name.
func (r *Registry) RegisterRouter(name string, router Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers[name] = router
}

// ResolveHandler implements HandlerResolver.
func (r *Registry) ResolveHandler(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return h, nil
}

// ResolveRouter implements RouterResolver.
func (r *Registry) ResolveRouter(name string) (Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router, ok := r.routers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouterNotFound, name)
	}
	return router, nil
}
