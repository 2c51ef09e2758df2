// Package photonerr defines the pipeline's error taxonomy. Per-image errors
// carry the offending path and pipeline stage so a failed image can be logged
// and skipped without cancelling peer workers.
package photonerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/skip/abort decisions.
type Kind int

const (
	KindConfig Kind = iota
	KindDecode
	KindFileTooLarge
	KindImageTooLarge
	KindTimeout
	KindModel
	KindTagging
	KindLLM
	KindIO
)

// String returns the taxonomy name for logging.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindDecode:
		return "decode"
	case KindFileTooLarge:
		return "file_too_large"
	case KindImageTooLarge:
		return "image_too_large"
	case KindTimeout:
		return "timeout"
	case KindModel:
		return "model"
	case KindTagging:
		return "tagging"
	case KindLLM:
		return "llm"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the domain error for all pipeline stages.
type Error struct {
	Kind  Kind
	Stage string // pipeline stage: "validate", "decode", "embed", "tag", "llm", ...
	Path  string // offending file, if any

	// TimeoutMs is set for KindTimeout.
	TimeoutMs int64
	// Status is the HTTP status for KindLLM; 0 means no status was available.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " [" + e.Stage + "]"
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind alone: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// IsKind reports whether err is (or wraps) a domain error of the given kind.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// New wraps err as a domain error of the given kind.
func New(k Kind, stage, path string, err error) *Error {
	return &Error{Kind: k, Stage: stage, Path: path, Err: err}
}

// Newf creates a domain error from a formatted message.
func Newf(k Kind, stage, path, format string, args ...any) *Error {
	return &Error{Kind: k, Stage: stage, Path: path, Err: fmt.Errorf(format, args...)}
}

// Decode marks an undecodable or malformed image.
func Decode(path string, err error) *Error {
	return &Error{Kind: KindDecode, Stage: "decode", Path: path, Err: err}
}

// FileTooLarge reports a raw byte-size bound violation. The MB conversion is
// only for the message; the comparison itself happens on raw bytes upstream.
func FileTooLarge(path string, size, limitMB int64) *Error {
	return &Error{Kind: KindFileTooLarge, Stage: "validate", Path: path,
		Err: fmt.Errorf("file is %d bytes (limit %d MB)", size, limitMB)}
}

// ImageTooLarge reports a per-side pixel bound violation.
func ImageTooLarge(path string, w, h int, limit uint32) *Error {
	return &Error{Kind: KindImageTooLarge, Stage: "decode", Path: path,
		Err: fmt.Errorf("image is %dx%d px (limit %d per side)", w, h, limit)}
}

// Timeout reports a stage-specific ceiling being exceeded. The background
// work may still be running; its result is discarded.
func Timeout(stage, path string, timeoutMs int64) *Error {
	return &Error{Kind: KindTimeout, Stage: stage, Path: path, TimeoutMs: timeoutMs,
		Err: fmt.Errorf("exceeded %d ms", timeoutMs)}
}

// Model wraps session, tokenizer, and tensor-shape failures.
func Model(stage string, err error) *Error {
	return &Error{Kind: KindModel, Stage: stage, Err: err}
}

// Tagging wraps scorer/tracker state failures downstream of the model layer.
func Tagging(path string, err error) *Error {
	return &Error{Kind: KindTagging, Stage: "tag", Path: path, Err: err}
}

// LLM wraps a provider failure. status is the HTTP status code when one was
// available, else 0.
func LLM(path string, status int, err error) *Error {
	return &Error{Kind: KindLLM, Stage: "llm", Path: path, Status: status, Err: err}
}

// IO wraps persistence and output-write failures.
func IO(path string, err error) *Error {
	return &Error{Kind: KindIO, Stage: "io", Path: path, Err: err}
}
