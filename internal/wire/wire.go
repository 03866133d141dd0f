// Package wire defines the Call/Return data model (spec.md §3, §6) and the
// JSON wire format exchanged with provider drivers, plus the serialization
// round-trip validator that detects silent argument loss before a call is
// ever dispatched.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Call is the framework's unit of dispatch. CallId is chosen client-side so
// it can be embedded in the wire payload before the provider assigns
// anything of its own. ResponseQueueId is only set in queued mode.
type Call struct {
	CallID          string          `json:"callId"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args"`
	ResponseQueueID string          `json:"responseQueueId,omitempty"`
	Start           int64           `json:"start"` // unix millis, local monotonic-derived
	Attempt         int             `json:"-"`
}

// ReturnKind tags a Return as either a success or a function-raised error.
type ReturnKind string

const (
	KindReturned ReturnKind = "returned"
	KindError    ReturnKind = "error"
)

// ErrorInfo mirrors what a remote function's thrown error carried, plus any
// of its own string-valued properties (spec.md §7.1).
type ErrorInfo struct {
	Name    string            `json:"name"`
	Message string            `json:"message"`
	Stack   string            `json:"stack,omitempty"`
	Props   map[string]string `json:"props,omitempty"`
}

// Return is the tagged union the provider sends back. Immutable once
// constructed by the decoder.
type Return struct {
	Kind                 ReturnKind      `json:"kind"`
	CallID               string          `json:"callId"`
	Value                json.RawMessage `json:"value,omitempty"`
	Error                *ErrorInfo      `json:"error,omitempty"`
	RemoteExecutionStart int64           `json:"remoteExecutionStart,omitempty"`
	RemoteExecutionEnd   int64           `json:"remoteExecutionEnd,omitempty"`
	RemoteResponseSent   int64           `json:"remoteResponseSent,omitempty"`
	LogURL               string          `json:"logUrl,omitempty"`
	InstanceID           string          `json:"instanceId,omitempty"`
	ExecutionID          string          `json:"executionId,omitempty"`
}

// HasTimings reports whether both remote timestamps are present, the
// precondition for clock-skew correction (spec.md §4.2).
func (r *Return) HasTimings() bool {
	return r.RemoteExecutionStart != 0 && r.RemoteExecutionEnd != 0
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RemoteStartTime / RemoteEndTime / RemoteResponseSentTime convert the wire
// millisecond timestamps to time.Time for the clock-skew estimator.
func (r *Return) RemoteStartTime() time.Time        { return millisToTime(r.RemoteExecutionStart) }
func (r *Return) RemoteEndTime() time.Time          { return millisToTime(r.RemoteExecutionEnd) }
func (r *Return) RemoteResponseSentTime() time.Time { return millisToTime(r.RemoteResponseSent) }

// ResponseMessageKind enumerates what can arrive on the response queue
// (spec.md §3).
type ResponseMessageKind string

const (
	MessageResponse        ResponseMessageKind = "response"
	MessageFunctionStarted ResponseMessageKind = "functionstarted"
	MessageDeadLetter      ResponseMessageKind = "deadletter"
	MessageCPUMetrics      ResponseMessageKind = "cpumetrics"
	MessageStopQueue       ResponseMessageKind = "stopqueue"
)

// ResponseMessage is the envelope the queue reconciler decodes. Not every
// field is populated for every Kind — CPUMetrics, for instance, carries
// only CallID and Metrics.
type ResponseMessage struct {
	Kind    ResponseMessageKind `json:"kind"`
	CallID  string              `json:"callId,omitempty"`
	Return  *Return             `json:"return,omitempty"`
	Metrics json.RawMessage     `json:"metrics,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// EncodeCall marshals a Call to its wire form.
func EncodeCall(c *Call) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeResponseMessage unmarshals one queue message.
func DecodeResponseMessage(data []byte) (*ResponseMessage, error) {
	var msg ResponseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode response message: %w", err)
	}
	return &msg, nil
}
