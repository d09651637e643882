// Package signalr is a client for the SignalR JSON hub protocol over
// WebSocket: handshake, invocations with completions, server-to-client
// calls, keepalive pings and automatic reconnection.
package signalr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// recordSeparator terminates every JSON record on the wire.
const recordSeparator = 0x1e

// Hub protocol message types.
const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

var (
	ErrNotConnected   = errors.New("hub connection is not connected")
	ErrConnectionLost = errors.New("hub connection lost")
	ErrAlreadyStarted = errors.New("hub connection already started")
	ErrHandshake      = errors.New("hub handshake failed")
)

// InvocationError is returned by Invoke when the server completes the
// invocation with an error.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Target, e.Message)
}

// CloseError is the reason a server gave in a Close message.
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Message
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

type invocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// inboundMessage is the union of every message the server may send.
type inboundMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type pingMessage struct {
	Type int `json:"type"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// splitRecords returns the non-empty records in a frame. A frame may carry
// several records; a trailing partial record is not expected over WebSocket
// and is returned as-is.
func splitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{recordSeparator})
	records := parts[:0]
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			records = append(records, p)
		}
	}
	return records
}
