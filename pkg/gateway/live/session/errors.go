package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-live-bridge/pkg/gateway/live/bridge"
)

var (
	errClientClosed  = errors.New("client closed connection")
	errUpstreamEnded = errors.New("upstream stream ended")
)

// TransportError is a client connection read or write failure. It ends the
// session but not the process.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HandlerTimeoutError reports an outbound message dropped because its
// handler did not finish in time.
type HandlerTimeoutError struct {
	Type    bridge.MessageType
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s handler timed out after %s", e.Type, e.Timeout)
}

func (e *HandlerTimeoutError) Unwrap() error {
	return nil
}
