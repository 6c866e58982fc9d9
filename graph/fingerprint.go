//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// FingerprintCalculator derives the deterministic cache key for one node
// execution. A fingerprint covers the node's id, its resolved inputs, the
// fingerprints of its direct predecessors, and the graph identity hash, so
// it changes if and only if the node's own inputs or any upstream
// fingerprint changed (a Merkle-style hierarchical hash: transitive changes
// surface through the predecessor fingerprints).
type FingerprintCalculator interface {
	Compute(nodeID string, inputs map[string]any, upstream []string, globalHash string) string
}

// XXHashCalculator is the default FingerprintCalculator, hashing a canonical
// encoding of its arguments with xxhash.
type XXHashCalculator struct{}

// Compute implements FingerprintCalculator. Input keys and upstream
// fingerprints are sorted before hashing so the result is independent of map
// iteration and predecessor completion order. Input values are encoded with
// encoding/json; values that fail to encode contribute their Go string form.
func (XXHashCalculator) Compute(nodeID string, inputs map[string]any, upstream []string, globalHash string) string {
	d := xxhash.New()
	_, _ = d.WriteString(nodeID)
	_, _ = d.WriteString("\x00")

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		if encoded, err := json.Marshal(inputs[k]); err == nil {
			_, _ = d.Write(encoded)
		} else {
			_, _ = d.WriteString(fmt.Sprintf("%v", inputs[k]))
		}
		_, _ = d.WriteString("\x00")
	}

	sorted := make([]string, len(upstream))
	copy(sorted, upstream)
	sort.Strings(sorted)
	for _, fp := range sorted {
		_, _ = d.WriteString(fp)
		_, _ = d.WriteString("\x00")
	}

	_, _ = d.WriteString(globalHash)
	return strconv.FormatUint(d.Sum64(), 16)
}
