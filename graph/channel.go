//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import "sync"

// ChannelKind represents the lifetime of a channel.
type ChannelKind int

const (
	// ChannelPersistent channels survive the whole run. Default.
	ChannelPersistent ChannelKind = iota
	// ChannelEphemeral channels are cleared at the end of every layer, so
	// transient routing or error signals cannot leak into later loop
	// iterations of a re-entrant graph.
	ChannelEphemeral
)

// Channel is a named slot passing a node's output to downstream consumers
// within one run.
type Channel struct {
	Name  string
	Kind  ChannelKind
	Value any
}

// channelStore holds all channels of one execution context. Sequential work
// mutates it in place; parallel work goes through isolated copies, so the
// mutex only guards against incidental cross-goroutine reads.
type channelStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func newChannelStore() *channelStore {
	return &channelStore{channels: make(map[string]*Channel)}
}

// set writes a value to the named channel with the given lifetime.
func (s *channelStore) set(name string, value any, kind ChannelKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name] = &Channel{Name: name, Kind: kind, Value: value}
}

// get reads the named channel.
func (s *channelStore) get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	if !ok {
		return nil, false
	}
	return ch.Value, true
}

// delete removes the named channel.
func (s *channelStore) delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, name)
}

// clearEphemeral drops every ephemeral channel.
func (s *channelStore) clearEphemeral() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ch := range s.channels {
		if ch.Kind == ChannelEphemeral {
			delete(s.channels, name)
		}
	}
}

// clone returns a shallow structural copy. Channel values are shared;
// isolated branches write disjoint keys by construction of node ids.
func (s *channelStore) clone() *channelStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &channelStore{channels: make(map[string]*Channel, len(s.channels))}
	for name, ch := range s.channels {
		out.channels[name] = &Channel{Name: ch.Name, Kind: ch.Kind, Value: ch.Value}
	}
	return out
}

// mergeFrom folds another store's channels into this one. Last writer wins on
// key collision.
func (s *channelStore) mergeFrom(other *channelStore) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ch := range other.channels {
		s.channels[name] = &Channel{Name: ch.Name, Kind: ch.Kind, Value: ch.Value}
	}
}

// snapshot returns the current values of every channel matching the filter.
// A nil filter matches everything.
func (s *channelStore) snapshot(filter func(*Channel) bool) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for name, ch := range s.channels {
		if filter == nil || filter(ch) {
			out[name] = ch.Value
		}
	}
	return out
}
