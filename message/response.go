package message

import (
	"encoding/json"
	"fmt"
)

// Response is the outcome a destination send reports back to the pipeline:
// the resulting Status, the response payload (if any), and error or status
// text. Response transformers may mutate all fields.
type Response struct {
	Status        Status
	Message       string
	Error         string
	StatusMessage string
}

// NewResponse returns a Response at |status| carrying |payload|.
func NewResponse(status Status, payload string) *Response {
	return &Response{Status: status, Message: payload}
}

// responseJSON is the persisted form of a Response, with the status as its
// single-letter code matching the connector-message status column.
type responseJSON struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// EncodeResponse renders |r| as the JSON stored in the RESPONSE content slot.
func EncodeResponse(r *Response) string {
	var b, err = json.Marshal(responseJSON{
		Status:        r.Status.Code(),
		Message:       r.Message,
		Error:         r.Error,
		StatusMessage: r.StatusMessage,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeResponse parses a persisted RESPONSE content value, as during
// crash recovery of a PENDING destination.
func DecodeResponse(s string) (*Response, error) {
	var parsed responseJSON
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	var status, err = StatusFromCode(parsed.Status)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:        status,
		Message:       parsed.Message,
		Error:         parsed.Error,
		StatusMessage: parsed.StatusMessage,
	}, nil
}

// Fixed reserved keys of the source map, set by the pipeline and readable by
// operator scripts.
const (
	// DestinationSetKey holds the mutable set of destination metadata ids
	// still eligible for dispatch.
	DestinationSetKey = "destinationSet"
	// DestinationNamesKey holds the name to metadata id index used for
	// name-based DestinationSet removal. Names are not required to be unique;
	// id-based removal is authoritative.
	DestinationNamesKey = "destinationNames"
	// RawPayloadKey stashes raw content while an intake waits on the source
	// queue.
	RawPayloadKey = "rawPayload"
)
