package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"tgmirror/pkg/mirror"
)

func TestMapTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantKind   mirror.TransportErrorKind
		wantWait   time.Duration
		passThough bool
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_3"), wantKind: mirror.TransportErrorKindRateLimited, wantWait: 3 * time.Second},
		{name: "slowmode", err: tgerr.New(420, "SLOWMODE_WAIT_5"), wantKind: mirror.TransportErrorKindRateLimited},
		{name: "write forbidden", err: tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), wantKind: mirror.TransportErrorKindForbidden},
		{name: "private channel", err: tgerr.New(400, "CHANNEL_PRIVATE"), wantKind: mirror.TransportErrorKindForbidden},
		{name: "forwards restricted", err: tgerr.New(400, "CHAT_FORWARDS_RESTRICTED"), wantKind: mirror.TransportErrorKindForbidden},
		{name: "message gone", err: tgerr.New(400, "MESSAGE_ID_INVALID"), wantKind: mirror.TransportErrorKindNotFound},
		{name: "bad request", err: tgerr.New(400, "MEDIA_INVALID"), wantKind: mirror.TransportErrorKindPermanent},
		{name: "server error", err: tgerr.New(500, "INTERNAL"), wantKind: mirror.TransportErrorKindTemporary},
		{name: "migrate", err: tgerr.New(303, "NETWORK_MIGRATE_2"), wantKind: mirror.TransportErrorKindTemporary},
		{name: "wrapped rpc error", err: fmt.Errorf("call: %w", tgerr.New(400, "MSG_ID_INVALID")), wantKind: mirror.TransportErrorKindNotFound},
		{name: "peer not found", err: fmt.Errorf("resolve: %w", mirror.ErrPeerNotFound), wantKind: mirror.TransportErrorKindForbidden},
		{name: "plain error", err: errors.New("boom"), wantKind: mirror.TransportErrorKindUnknown},
		{name: "context canceled", err: context.Canceled, passThough: true},
		{name: "invalid request", err: fmt.Errorf("x: %w", mirror.ErrInvalidRequest), passThough: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			mapped := mapTransportError(mirror.OperationForward, testCase.err)
			if !errors.Is(mapped, testCase.err) && mapped != testCase.err {
				t.Fatalf("mapped error lost its cause: %v", mapped)
			}

			transportErr, ok := mirror.AsTransportError(mapped)
			if testCase.passThough {
				if ok {
					t.Fatalf("error %v should pass through unwrapped", mapped)
				}
				return
			}
			if !ok {
				t.Fatalf("error %v is not a transport error", mapped)
			}
			if transportErr.Kind != testCase.wantKind {
				t.Fatalf("kind = %s, want %s", transportErr.Kind, testCase.wantKind)
			}
			if transportErr.Operation != mirror.OperationForward {
				t.Fatalf("operation = %s", transportErr.Operation)
			}
			if testCase.wantWait > 0 && transportErr.RetryAfter != testCase.wantWait {
				t.Fatalf("retry after = %s, want %s", transportErr.RetryAfter, testCase.wantWait)
			}
		})
	}

	if mapTransportError(mirror.OperationForward, nil) != nil {
		t.Fatal("nil error should map to nil")
	}
}
