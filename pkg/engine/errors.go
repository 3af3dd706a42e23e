package engine

import (
	"errors"
	"net"
	"syscall"
)

// errorCode maps a Go error onto the symbolic code strings the mute/warn
// sets are keyed by. The engine's own typed failures (perror) that do not
// wrap a socket error fall through to the empty code (never muted or
// warned, always logged at error level); those that wrap one (such as
// HTTPForwardFailed) take the wrapped error's code.
func errorCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPIPE:
			return "EPIPE"
		case syscall.ECONNRESET:
			return "ECONNRESET"
		case syscall.EINVAL:
			return "EINVAL"
		case syscall.ENOTCONN:
			return "ENOTCONN"
		case syscall.EPROTO:
			return "EPROTO"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}

	if errors.Is(err, net.ErrClosed) {
		return "ERR_STREAM_DESTROYED"
	}

	return ""
}

// defaultOnError classifies err by code into mute/warn/error and logs
// accordingly with the given structured context.
func (e *Engine) defaultOnError(err error, ctx ErrorContext) {
	if err == nil {
		return
	}
	e.events.emitError(ErrorEvent{Err: err, Context: ctx})

	code := errorCode(err)
	if _, muted := e.opts.MuteErrorCodes[code]; muted {
		return
	}

	event := e.logger.Warn()
	if _, warned := e.opts.WarnErrorCodes[code]; !warned {
		event = e.logger.Error()
	}

	event.
		Err(err).
		Str("proxyClass", ctx.ProxyClass).
		Str("method", ctx.Method).
		Str("url", ctx.URL).
		Str("code", code).
		Msg("proxy error")
}

// OnError runs the configured error hook (default classification+logging).
func (e *Engine) OnError(err error, ctx ErrorContext) {
	e.onError(err, ctx)
}
