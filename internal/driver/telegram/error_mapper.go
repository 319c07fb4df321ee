package telegram

import (
	"context"
	"errors"
	"strings"

	"github.com/gotd/td/tgerr"

	"tgmirror/pkg/mirror"
)

// RPC error types that mean the message is already gone.
var notFoundErrorTypes = []string{
	"MESSAGE_ID_INVALID",
	"MESSAGE_IDS_EMPTY",
	"MESSAGE_EMPTY",
	"MSG_ID_INVALID",
	"MESSAGE_DELETE_FORBIDDEN",
}

// RPC error types that mean the worker cannot read the source or write the target.
var forbiddenErrorTypes = []string{
	"CHAT_WRITE_FORBIDDEN",
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHAT_ADMIN_REQUIRED",
	"CHAT_FORWARDS_RESTRICTED",
	"CHAT_SEND_MEDIA_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"PEER_ID_INVALID",
	"TOPIC_CLOSED",
}

func mapTransportError(operation mirror.TransportOperation, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mirror.ErrInvalidRequest) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	transportErr := &mirror.TransportError{
		Operation: operation,
		Kind:      mirror.TransportErrorKindUnknown,
		Cause:     err,
	}

	if errors.Is(err, mirror.ErrPeerNotFound) {
		transportErr.Kind = mirror.TransportErrorKindForbidden
		return transportErr
	}

	if retryAfter, ok := tgerr.AsFloodWait(err); ok {
		transportErr.Kind = mirror.TransportErrorKindRateLimited
		transportErr.RetryAfter = retryAfter
		if rpcErr, hasRPC := tgerr.As(err); hasRPC {
			transportErr.Code = rpcErr.Code
			transportErr.Type = rpcErr.Type
		}

		return transportErr
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		return transportErr
	}

	transportErr.Code = rpcErr.Code
	transportErr.Type = rpcErr.Type
	transportErr.Kind = classifyRPCError(rpcErr)

	return transportErr
}

func classifyRPCError(rpcErr *tgerr.Error) mirror.TransportErrorKind {
	if rpcErr == nil {
		return mirror.TransportErrorKindUnknown
	}

	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	if rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD") {
		return mirror.TransportErrorKindRateLimited
	}
	for _, candidate := range notFoundErrorTypes {
		if errorType == candidate {
			return mirror.TransportErrorKindNotFound
		}
	}
	for _, candidate := range forbiddenErrorTypes {
		if errorType == candidate {
			return mirror.TransportErrorKindForbidden
		}
	}

	switch rpcErr.Code {
	case 303:
		return mirror.TransportErrorKindTemporary
	case 400, 401, 403, 404, 405, 406:
		return mirror.TransportErrorKindPermanent
	case 500, 501, 502, 503, 504:
		return mirror.TransportErrorKindTemporary
	}
	if rpcErr.Code >= 500 {
		return mirror.TransportErrorKindTemporary
	}

	return mirror.TransportErrorKindUnknown
}

func isNotModified(err error) bool {
	return tgerr.Is(err, "MESSAGE_NOT_MODIFIED")
}
