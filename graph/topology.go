//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import "fmt"

// ExecutionLayers performs a layered topological sort of the graph. Layer k
// contains exactly the nodes whose unresolved in-degree becomes zero after
// removing layers 0..k-1, so for every edge (u, v) the layer of u is strictly
// smaller than the layer of v. Nodes within a layer are mutually independent
// and may run in any order or concurrently.
//
// The result is a pure function of the graph and is computed once. A cyclic
// graph yields ErrCycle.
func (g *Graph) ExecutionLayers() ([][]string, error) {
	g.layersOnce.Do(func() {
		g.layers, g.layersErr = g.computeLayers()
	})
	return g.layers, g.layersErr
}

// computeLayers runs Kahn's algorithm, draining all zero in-degree nodes per
// round to form layers. Within a layer, node definition order is kept so the
// layering is deterministic.
func (g *Graph) computeLayers() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node.ID] = len(g.incoming[node.ID])
	}

	var layers [][]string
	placed := 0
	for placed < len(g.nodes) {
		var layer []string
		for _, node := range g.nodes {
			if degree, pending := inDegree[node.ID]; pending && degree == 0 {
				layer = append(layer, node.ID)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("graph %s: %w", g.id, ErrCycle)
		}
		for _, id := range layer {
			delete(inDegree, id)
			for _, edge := range g.outgoing[id] {
				if _, pending := inDegree[edge.To]; pending {
					inDegree[edge.To]--
				}
			}
		}
		layers = append(layers, layer)
		placed += len(layer)
	}
	return layers, nil
}

// LayerOf returns the index of the layer containing the given node, or -1 if
// the node does not exist or the graph is cyclic.
func (g *Graph) LayerOf(nodeID string) int {
	layers, err := g.ExecutionLayers()
	if err != nil {
		return -1
	}
	for i, layer := range layers {
		for _, id := range layer {
			if id == nodeID {
				return i
			}
		}
	}
	return -1
}
