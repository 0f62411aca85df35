package browser

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
)

// connectionSignatures are matched against error text when no typed error is available,
// e.g. for protocol errors relayed by a hosted browser service.
var connectionSignatures = []string{
	"connection closed",
	"connection reset",
	"connection refused",
	"target closed",
	"session closed",
	"session with given id not found",
	"no target with given id",
	"websocket: close",
	"broken pipe",
	"use of closed network connection",
}

// IsConnectionError reports whether err means the browser connection itself is unusable,
// as opposed to a failure of the page being driven.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget),
		errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	msg := err.Error()
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		msg = protoErr.Message
	}
	msg = strings.ToLower(msg)
	for _, sig := range connectionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
