package localworker

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/opentalon/conductor/internal/invoke"
)

// Handler is implemented by worker authors on the worker side.
type Handler interface {
	Invoke(ctx context.Context, req invoke.Request) invoke.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req invoke.Request) invoke.Response

func (f HandlerFunc) Invoke(ctx context.Context, req invoke.Request) invoke.Response {
	return f(ctx, req)
}

// Serve starts a Unix socket listener, prints the handshake line to stdout
// so the host can discover the socket, and serves until the listener fails.
func Serve(handler Handler) error {
	sockDir, err := os.MkdirTemp("", "conductor-worker-*")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(sockDir) }()
	sockPath := filepath.Join(sockDir, "worker.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	hs := Handshake{Version: HandshakeVersion, Network: "unix", Address: sockPath}
	if _, err := fmt.Fprintln(os.Stdout, hs.String()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return ServeListener(ln, handler)
}

// ServeListener serves connections accepted from ln.
func ServeListener(ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(handler, conn)
	}
}

func serveConn(handler Handler, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var frame Frame
		if err := ReadMessage(conn, &frame); err != nil {
			return // connection closed or broken
		}

		var reply Reply
		switch frame.Method {
		case MethodPing:
		case MethodInvoke:
			if frame.Request == nil {
				reply.Error = "invoke without request"
				break
			}
			resp := handler.Invoke(context.Background(), *frame.Request)
			reply.Response = &resp
		default:
			reply.Error = fmt.Sprintf("unknown method %q", frame.Method)
		}

		if err := WriteMessage(conn, &reply); err != nil {
			log.Printf("localworker server: write reply: %v", err)
			return
		}
	}
}
