package service

import (
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
)

var (
	ErrAuthRejected = connect.NewError(connect.CodeUnauthenticated, errors.New("session token was rejected"))
	ErrForbidden    = connect.NewError(
		connect.CodePermissionDenied,
		errors.New("you are not a participant of this conversation"),
	)

	ErrConversationIDRequired = connect.NewError(connect.CodeInvalidArgument, errors.New("conversation ID is required"))
	ErrEmptyMessage           = connect.NewError(
		connect.CodeInvalidArgument,
		errors.New("a message needs a body or at least one media reference"),
	)
	ErrMessageTooLong       = connect.NewError(connect.CodeInvalidArgument, errors.New("message body is too long"))
	ErrTooManyMedia         = connect.NewError(connect.CodeInvalidArgument, errors.New("too many media references"))
	ErrIdempotencyKeyLong   = connect.NewError(connect.CodeInvalidArgument, errors.New("idempotency key is too long"))
	ErrInvalidSequence      = connect.NewError(connect.CodeInvalidArgument, errors.New("sequence must not be negative"))
	ErrParticipantsRequired = connect.NewError(
		connect.CodeInvalidArgument,
		errors.New("a conversation needs at least one other participant"),
	)
	ErrTooManyParticipants = connect.NewError(connect.CodeInvalidArgument, errors.New("participant limit reached"))
	ErrUnknownUser         = connect.NewError(connect.CodeInvalidArgument, errors.New("user does not exist"))
	ErrLastParticipant     = connect.NewError(
		connect.CodeFailedPrecondition,
		errors.New("the last participant cannot leave a conversation"),
	)

	ErrConversationNotFound = connect.NewError(connect.CodeNotFound, errors.New("conversation not found"))
	ErrParticipantNotFound  = connect.NewError(connect.CodeNotFound, errors.New("participant not found"))
	ErrPruneDenied          = connect.NewError(
		connect.CodePermissionDenied,
		errors.New("only the conversation creator can prune history"),
	)

	ErrMediaNotFound    = connect.NewError(connect.CodeNotFound, errors.New("media reference not found"))
	ErrMediaForbidden   = connect.NewError(connect.CodePermissionDenied, errors.New("media reference not accessible"))
	ErrMediaUnavailable = connect.NewError(connect.CodeUnavailable, errors.New("media store unavailable"))
	ErrMediaMismatch    = connect.NewError(
		connect.CodeInvalidArgument,
		errors.New("media reference does not match the stored object"),
	)

	ErrDuplicatePost = connect.NewError(connect.CodeAlreadyExists, errors.New("message was already posted"))

	ErrUserDirectoryUnavailable = connect.NewError(connect.CodeUnavailable, errors.New("user directory unavailable"))
)

// ValidationError builds an InvalidArgument error for ad-hoc input problems.
func ValidationError(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

// IsTransient reports whether the caller may retry the same request unchanged.
func IsTransient(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code the REST surface answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return http.StatusInternalServerError
	}

	switch connectErr.Code() {
	case connect.CodeInvalidArgument, connect.CodeOutOfRange:
		return http.StatusBadRequest
	case connect.CodeUnauthenticated:
		return http.StatusUnauthorized
	case connect.CodePermissionDenied:
		return http.StatusForbidden
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeAlreadyExists, connect.CodeAborted:
		return http.StatusConflict
	case connect.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case connect.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
