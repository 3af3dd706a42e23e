package engine

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/ubio/ubioproxy/pkg/connid"
	"github.com/ubio/ubioproxy/pkg/perror"
)

// HandleConnect implements the CONNECT tunneling path: authenticate,
// resolve a route, establish the outbound connection with hedged retry,
// reply 200 with X-Connection-Id, then relay bytes both ways until either
// side closes.
func (e *Engine) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := ErrorContext{ProxyClass: "connect", Method: r.Method, URL: r.URL.String()}

	if err := e.Authenticate(r); err != nil {
		e.OnError(err, ctx)
		e.replyError(w, err, ctx)
		return
	}
	if err := e.verifyPartitionHeader(r); err != nil {
		e.OnError(err, ctx)
		e.replyError(w, err, ctx)
		return
	}

	targetHost := r.URL.Host
	if targetHost == "" {
		targetHost = r.Host
	}
	if targetHost == "" {
		targetHost = r.RequestURI
	}

	up := e.MatchRoute(targetHost, r)
	partitionID := r.Header.Get("X-Partition-Id")

	conn, adoptedID, err := e.connectWithRetry(r.Context(), r, up, targetHost, partitionID)
	if err != nil {
		e.OnError(err, ctx)
		e.replyError(w, err, ctx)
		return
	}

	connID := adoptedID
	if !connid.Valid(connID) {
		connID = connid.New()
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		conn.Close()
		e.OnError(fmt.Errorf("response writer does not support hijacking"), ctx)
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		conn.Close()
		e.OnError(fmt.Errorf("hijack: %w", err), ctx)
		return
	}

	release := e.trackOutbound(connID, partitionID, up, targetHost, conn)

	if _, err := client.Write([]byte("HTTP/1.1 200 OK\r\nX-Connection-Id: " + connID + "\r\n\r\n")); err != nil {
		e.OnError(fmt.Errorf("write CONNECT reply: %w", err), ctx)
		release()
		client.Close()
		conn.Close()
		return
	}

	e.relay(client, conn, ctx, release)
}

// relay pipes bytes both directions until either side closes, then closes
// both sockets and runs release (removing the tunnel from the tracking
// map). Backpressure is inherent to io.Copy's fixed-size buffer: a slow
// writer stalls the corresponding reader rather than buffering unboundedly.
func (e *Engine) relay(client, remote net.Conn, ctx ErrorContext, release func()) {
	defer release()

	done := make(chan struct{}, 2)

	go func() {
		n, err := io.Copy(remote, client)
		e.stats.addRead(n)
		halfClose(remote)
		if err != nil {
			e.OnError(err, ctx)
		}
		done <- struct{}{}
	}()

	go func() {
		n, err := io.Copy(client, remote)
		e.stats.addWritten(n)
		halfClose(client)
		if err != nil {
			e.OnError(err, ctx)
		}
		done <- struct{}{}
	}()

	<-done
	<-done

	client.Close()
	remote.Close()
}

// halfCloser is implemented by *net.TCPConn and *tls.Conn; closing just the
// write end lets the peer observe EOF while reads can still drain.
type halfCloser interface {
	CloseWrite() error
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// replyError writes a best-effort error response on the still-plain
// inbound socket and closes it. Used whenever a failure occurs before any
// bytes have been relayed.
func (e *Engine) replyError(w http.ResponseWriter, err error, ctx ErrorContext) {
	status := perror.HTTPStatusOf(err, http.StatusBadGateway)
	http.Error(w, http.StatusText(status), status)
}
