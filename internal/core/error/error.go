package errx

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError so callers can branch on failure class
// without knowing which component produced it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConfiguration is fatal at startup and never retried.
	KindConfiguration
	// KindTemplateResolution aborts the current turn.
	KindTemplateResolution
	// KindGateway is a network/model-call failure, regardless of provider.
	KindGateway
	// KindNoApplicablePolicy is fatal to the session.
	KindNoApplicablePolicy
	// KindActionExecution aborts only the current turn.
	KindActionExecution
	// KindStorage covers knowledge repository failures.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindTemplateResolution:
		return "template resolution error"
	case KindGateway:
		return "gateway error"
	case KindNoApplicablePolicy:
		return "no applicable policy"
	case KindActionExecution:
		return "action execution error"
	case KindStorage:
		return "storage error"
	default:
		return "internal error"
	}
}

// Sentinels for errors.Is. Any AppError of the same Kind matches.
var (
	ErrConfiguration      = &AppError{Kind: KindConfiguration}
	ErrTemplateResolution = &AppError{Kind: KindTemplateResolution}
	ErrGateway            = &AppError{Kind: KindGateway}
	ErrNoApplicablePolicy = &AppError{Kind: KindNoApplicablePolicy}
	ErrActionExecution    = &AppError{Kind: KindActionExecution}
	ErrStorage            = &AppError{Kind: KindStorage}
)

// AppError wraps an underlying error with a Kind and a safe message.
type AppError struct {
	Kind    Kind
	Err     error
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg = e.Kind.String() + ": " + msg
	}
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same Kind, or matches the
// underlying error.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok && t.Err == nil && t.Message == "" {
		return t.Kind == e.Kind
	}
	return false
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// New creates a new AppError with the provided information.
func New(kind Kind, err error, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Err:     err,
		Message: message,
	}
}

// Newf creates an AppError without an underlying cause.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Configuration is shorthand for a KindConfiguration error.
func Configuration(format string, args ...any) *AppError {
	return Newf(KindConfiguration, format, args...)
}

// KindOf returns the Kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return KindUnknown
}
