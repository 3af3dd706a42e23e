package engine

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ubio/ubioproxy/pkg/upstream"
)

func TestHandleHTTPForwardsDirectToOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("expected forwarded header to survive")
		}
		w.Header().Set("X-Origin", "hello")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	e := New(Options{})
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	proxyURL, _ := url.Parse(srv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/path", nil)
	req.Header.Set("X-Test", "yes")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin body" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Origin") != "hello" {
		t.Fatalf("expected origin response header to survive")
	}
}

func TestHandleConnectTunnelsAndTracksConnection(t *testing.T) {
	origin, originDone := echoTCPServer(t)
	defer func() { <-originDone }()

	e := New(Options{})
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT " + origin + " HTTP/1.1\r\nHost: " + origin + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	connID := resp.Header.Get("X-Connection-Id")
	if connID == "" {
		t.Fatalf("expected X-Connection-Id header")
	}

	if _, ok := e.TrackedConnection(connID); !ok {
		t.Fatalf("expected connection %s to be tracked", connID)
	}

	payload := []byte("ping")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(reader, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("expected echoed payload, got %q", echoed)
	}
}

func TestConnectWithRetryHedgesAndWinsOnFirstSuccess(t *testing.T) {
	e := New(Options{
		ConnectRetryAttempts: 2,
		ConnectRetryInterval: 20 * time.Millisecond,
		ConnectTimeout:       time.Second,
	})

	var attempts []int
	e.Events().OnOutboundConnect(func(ev OutboundConnectEvent) {
		attempts = append(attempts, ev.Attempt)
	})

	origin, originDone := echoTCPServer(t)
	defer func() { <-originDone }()

	req, _ := http.NewRequest(http.MethodConnect, "http://"+origin, nil)
	conn, _, err := e.connectWithRetry(req.Context(), req, nil, origin, "")
	if err != nil {
		t.Fatalf("connectWithRetry: %v", err)
	}
	defer conn.Close()

	if len(attempts) == 0 {
		t.Fatalf("expected at least one outboundConnect event")
	}
}

func TestConnectWithRetryExhaustsOnAllFailures(t *testing.T) {
	e := New(Options{
		ConnectRetryAttempts: 1,
		ConnectRetryInterval: 10 * time.Millisecond,
		ConnectTimeout:       200 * time.Millisecond,
	})

	req, _ := http.NewRequest(http.MethodConnect, "http://127.0.0.1:1", nil)
	_, _, err := e.connectWithRetry(req.Context(), req, nil, "127.0.0.1:1", "")
	if err == nil {
		t.Fatalf("expected failure dialing an unreachable target on every attempt")
	}
}

func TestForcedShutdownClosesTrackedConnections(t *testing.T) {
	e := New(Options{})

	up := &upstream.Upstream{Host: "unused:0"}
	conn1, conn2 := net.Pipe()
	defer conn2.Close()
	release := e.TrackOutbound("manual-1", "", up, "example.com:443", conn1)
	defer release()

	if e.TrackedConnectionCount() != 1 {
		t.Fatalf("expected 1 tracked connection")
	}
	e.CloseAllSockets()

	buf := make([]byte, 1)
	if _, err := conn1.Read(buf); err == nil {
		t.Fatalf("expected tracked connection to be closed by CloseAllSockets")
	}
}

func echoTCPServer(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	go func() {
		<-done
		ln.Close()
	}()
	return ln.Addr().String(), done
}
