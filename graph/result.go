//
// Copyright (C) 2025 The flowgraph Authors.  All rights reserved.
//
// flowgraph is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// NodeStatus is the tag of the NodeResult union.
type NodeStatus string

const (
	// StatusSuccess indicates the handler produced an output map.
	StatusSuccess NodeStatus = "success"
	// StatusFailure indicates the handler failed.
	StatusFailure NodeStatus = "failure"
	// StatusSkipped indicates the handler declined to run. The node is not
	// marked complete.
	StatusSkipped NodeStatus = "skipped"
	// StatusSuspended indicates the run must halt pending external input.
	StatusSuspended NodeStatus = "suspended"
	// StatusCancelled indicates the handler observed cancellation.
	StatusCancelled NodeStatus = "cancelled"
)

// Severity grades a node failure.
type Severity string

const (
	// SeverityWarning marks a recoverable failure.
	SeverityWarning Severity = "warning"
	// SeverityError marks an ordinary failure. Default.
	SeverityError Severity = "error"
	// SeverityCritical marks a failure that should never be absorbed.
	SeverityCritical Severity = "critical"
)

// NodeResult is the closed result union returned by handlers. Exactly the
// fields relevant to Status are populated; the single interpretation point is
// the node executor.
type NodeResult struct {
	// Status tags the variant.
	Status NodeStatus

	// Outputs is the node's output map (StatusSuccess).
	Outputs map[string]any
	// Duration is how long the handler ran (StatusSuccess).
	Duration time.Duration
	// Metadata carries opaque handler metadata (StatusSuccess).
	Metadata map[string]any

	// Err is the failure cause (StatusFailure).
	Err error
	// Severity grades the failure (StatusFailure).
	Severity Severity
	// Transient reports whether the failure may be retried (StatusFailure).
	Transient bool

	// Reason is a machine-readable skip or cancel reason.
	Reason string
	// Message is a human-readable complement to Reason, the suspension
	// prompt, or empty.
	Message string

	// SuspendToken identifies a suspension (StatusSuspended).
	SuspendToken string
	// ResumeValue optionally proposes a resumption value (StatusSuspended).
	ResumeValue any
}

// Success returns a successful result carrying the given outputs.
func Success(outputs map[string]any) *NodeResult {
	return &NodeResult{Status: StatusSuccess, Outputs: outputs}
}

// SuccessWithDuration returns a successful result with an explicit duration,
// used when synthesizing results from the cache.
func SuccessWithDuration(outputs map[string]any, d time.Duration) *NodeResult {
	return &NodeResult{Status: StatusSuccess, Outputs: outputs, Duration: d}
}

// Failure returns a failed result.
func Failure(err error, severity Severity, transient bool) *NodeResult {
	if severity == "" {
		severity = SeverityError
	}
	return &NodeResult{Status: StatusFailure, Err: err, Severity: severity, Transient: transient}
}

// Skipped returns a result indicating the handler declined to run.
func Skipped(reason, message string) *NodeResult {
	return &NodeResult{Status: StatusSkipped, Reason: reason, Message: message}
}

// Suspend returns a result that halts the run pending external input.
func Suspend(token, message string, resumeValue any) *NodeResult {
	return &NodeResult{Status: StatusSuspended, SuspendToken: token, Message: message, ResumeValue: resumeValue}
}

// Cancelled returns a result indicating the handler observed cancellation.
func Cancelled(reason, message string) *NodeResult {
	return &NodeResult{Status: StatusCancelled, Reason: reason, Message: message}
}
