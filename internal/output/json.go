// Package output defines the JSON response envelope shared by every
// API endpoint. All payloads are wrapped so clients can branch on
// success without inspecting HTTP status codes.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Version is the portsmith version reported in every envelope.
const Version = "dev"

// Response is the standard JSON wrapper for all API payloads.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"` // RFC3339
	Version   string      `json:"version"`
}

// SuccessResponse wraps data in a successful envelope.
func SuccessResponse(data interface{}) Response {
	return Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
}

// ErrorResponse wraps an error in a failed envelope.
func ErrorResponse(err error) Response {
	return Response{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
}

// ErrorResponseWithData wraps an error alongside partial results,
// e.g. a batch where some containers upgraded before one failed.
func ErrorResponseWithData(err error, data interface{}) Response {
	resp := ErrorResponse(err)
	resp.Data = data
	return resp
}

// WriteJSON writes a Response as indented JSON to the given writer.
func WriteJSON(w io.Writer, response Response) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// WriteJSONData wraps data in a success envelope and writes it.
func WriteJSONData(w io.Writer, data interface{}) error {
	return WriteJSON(w, SuccessResponse(data))
}

// WriteJSONError wraps an error in a failed envelope and writes it.
func WriteJSONError(w io.Writer, err error) error {
	return WriteJSON(w, ErrorResponse(err))
}

// WriteJSONErrorWithData writes a failed envelope carrying partial results.
func WriteJSONErrorWithData(w io.Writer, err error, data interface{}) error {
	return WriteJSON(w, ErrorResponseWithData(err, data))
}
