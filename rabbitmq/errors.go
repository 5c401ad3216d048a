package rabbitmq

import (
	"errors"
	"fmt"

	"github.com/amqpwire/goamqp/internal/protocol"
	"github.com/rs/zerolog"
)

// Error represents an AMQP error
type Error struct {
	Code    int
	Reason  string
	Server  bool // true if error originated from server
	Recover bool // true if connection/channel can be recovered

	// ClassId and MethodId identify the method that triggered a server-sent
	// channel.close, zero when not applicable.
	ClassId  uint16
	MethodId uint16
}

// Error implements the error interface
func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Predefined errors matching AMQP reply codes
var (
	ErrClosed = &Error{
		Code:    protocol.ReplyConnectionForced,
		Reason:  "connection closed",
		Server:  false,
		Recover: false,
	}

	ErrChannelClosed = &Error{
		Code:    protocol.ReplyChannelError,
		Reason:  "channel closed",
		Server:  false,
		Recover: false,
	}

	ErrNotFound = &Error{
		Code:    protocol.ReplyNotFound,
		Reason:  "resource not found",
		Server:  true,
		Recover: false,
	}

	ErrAccessRefused = &Error{
		Code:    protocol.ReplyAccessRefused,
		Reason:  "access refused",
		Server:  true,
		Recover: false,
	}

	ErrPreconditionFailed = &Error{
		Code:    protocol.ReplyPreconditionFailed,
		Reason:  "precondition failed",
		Server:  true,
		Recover: false,
	}

	ErrResourceLocked = &Error{
		Code:    protocol.ReplyResourceLocked,
		Reason:  "resource locked",
		Server:  true,
		Recover: false,
	}

	ErrFrameError = &Error{
		Code:    protocol.ReplyFrameError,
		Reason:  "frame error",
		Server:  false,
		Recover: false,
	}

	ErrSyntaxError = &Error{
		Code:    protocol.ReplySyntaxError,
		Reason:  "syntax error",
		Server:  true,
		Recover: false,
	}

	ErrCommandInvalid = &Error{
		Code:    protocol.ReplyCommandInvalid,
		Reason:  "command invalid",
		Server:  true,
		Recover: false,
	}

	ErrChannelError = &Error{
		Code:    protocol.ReplyChannelError,
		Reason:  "channel error",
		Server:  true,
		Recover: false,
	}

	ErrUnexpectedFrame = &Error{
		Code:    protocol.ReplyUnexpectedFrame,
		Reason:  "unexpected frame",
		Server:  true,
		Recover: false,
	}

	ErrResourceError = &Error{
		Code:    protocol.ReplyResourceError,
		Reason:  "resource error",
		Server:  true,
		Recover: false,
	}

	ErrNotAllowed = &Error{
		Code:    protocol.ReplyNotAllowed,
		Reason:  "not allowed",
		Server:  true,
		Recover: false,
	}

	ErrNotImplemented = &Error{
		Code:    protocol.ReplyNotImplemented,
		Reason:  "not implemented",
		Server:  true,
		Recover: false,
	}

	ErrInternalError = &Error{
		Code:    protocol.ReplyInternalError,
		Reason:  "internal error",
		Server:  true,
		Recover: false,
	}

	ErrContentTooLarge = &Error{
		Code:    protocol.ReplyContentTooLarge,
		Reason:  "content too large",
		Server:  true,
		Recover: false,
	}

	ErrNoRoute = &Error{
		Code:    protocol.ReplyNoRoute,
		Reason:  "no route",
		Server:  true,
		Recover: false,
	}

	ErrNoConsumers = &Error{
		Code:    protocol.ReplyNoConsumers,
		Reason:  "no consumers",
		Server:  true,
		Recover: false,
	}
)

// ChannelError is raised when the server sends a channel.close for reasons
// tied to a specific method (e.g. queue.declare on a mismatched queue).
type ChannelError struct {
	Code     int
	Text     string
	ClassId  uint16
	MethodId uint16
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel closed by server: code=%d text=%q class=%d method=%d", e.Code, e.Text, e.ClassId, e.MethodId)
}

// ProtocolError signals a malformed frame, an unexpected frame sequence, an
// unknown field-table type tag, or a confirm referencing an unknown or
// already-settled delivery tag.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// EncodingError signals a value that cannot be represented on the wire:
// a short string over 255 bytes, a field table too large for its length
// prefix, or a body that exceeds the negotiated frame_max in a context
// that forbids splitting it.
type EncodingError struct {
	Detail string
}

func (e *EncodingError) Error() string {
	return "encoding error: " + e.Detail
}

// wrapDecodeError turns a known internal/protocol decode failure into the
// ProtocolError it's documented to produce, leaving I/O errors (EOF, short
// reads) untouched.
func wrapDecodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrUnknownFieldType) {
		return &ProtocolError{Detail: err.Error()}
	}
	return err
}

// validateShortString rejects a value too long for AMQP's one-byte length
// prefix before it reaches the wire encoder, naming the offending field.
func validateShortString(field, s string) error {
	if len(s) > 255 {
		return &EncodingError{Detail: fmt.Sprintf("%s exceeds 255 bytes (%d)", field, len(s))}
	}
	return nil
}

// NewError creates a new Error from reply code and text
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// ErrorHandler handles connection and channel errors
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleConsumerError(ch *Channel, consumerTag string, err error)
	HandleReturnListenerError(ch *Channel, err error)
	HandleConfirmListenerError(ch *Channel, err error)
}

// DefaultErrorHandler provides default error handling with logging
type DefaultErrorHandler struct {
	Logger zerolog.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.Logger.Error().Err(err).Msg("connection error")
}

// HandleChannelError logs channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	deh.Logger.Error().Err(err).Uint16("channel", ch.id).Msg("channel error")
}

// HandleConsumerError logs consumer errors
func (deh *DefaultErrorHandler) HandleConsumerError(ch *Channel, consumerTag string, err error) {
	deh.Logger.Error().Err(err).Str("consumer_tag", consumerTag).Msg("consumer error")
}

// HandleReturnListenerError logs return listener errors
func (deh *DefaultErrorHandler) HandleReturnListenerError(ch *Channel, err error) {
	deh.Logger.Error().Err(err).Msg("return listener error")
}

// HandleConfirmListenerError logs confirm listener errors
func (deh *DefaultErrorHandler) HandleConfirmListenerError(ch *Channel, err error) {
	deh.Logger.Error().Err(err).Msg("confirm listener error")
}
