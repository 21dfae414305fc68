// Package tools defines the result envelope every tool invocation
// returns. Errors surface as a short human message plus a stable machine
// code; secrets and stack traces never reach the caller.
package tools

import (
	"encoding/json"
	"errors"

	"rosfleet.sh/internal/rerrors"
)

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the envelope a tool invocation returns.
type Result struct {
	IsError bool           `json:"is_error"`
	Content []Content      `json:"content"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// Text builds a successful result from a plain string.
func Text(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// JSON builds a successful result from a serialisable payload.
func JSON(payload any) *Result {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Error(rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to encode result"))
	}
	return Text(string(data))
}

// Error builds an error result. Only the error's message and code
// travel; causes and stack traces stay server-side.
func Error(err error) *Result {
	message := "internal error"
	code := rerrors.GetCode(err)
	var e *rerrors.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	return &Result{
		IsError: true,
		Content: []Content{{Type: "text", Text: message}},
		Meta:    map[string]any{"code": string(code)},
	}
}
