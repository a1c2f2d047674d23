package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/lexcodex/goalloop/agents/iteration"
	"github.com/lexcodex/goalloop/framework"
)

// JSON-RPC method names.
const (
	MethodRun          = "engine.run"
	MethodCapabilities = "engine.capabilities"
	MethodEvent        = "engine.event"
)

// RPCServer serves the engine over a JSON-RPC 2.0 stream with
// Content-Length framing. Every event of a run started by engine.run is
// pushed to the caller as an engine.event notification before the response.
type RPCServer struct {
	Backend Backend
	Logger  *slog.Logger
}

// Serve handles one connection until the peer disconnects or ctx ends.
func (s *RPCServer) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))
	defer conn.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.DisconnectNotify():
		return nil
	}
}

func (s *RPCServer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Notif {
		return nil, nil
	}
	switch req.Method {
	case MethodRun:
		var params iteration.Request
		if req.Params == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "params required"}
		}
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		notify := framework.TelemetryFunc(func(event framework.Event) {
			if err := conn.Notify(ctx, MethodEvent, event); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
				s.logger().Debug("event notify failed", "error", err)
			}
		})
		result, err := s.Backend.RunGoal(ctx, params, notify)
		if result == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		return RunResponse{Result: result, Error: result.Error}, nil
	case MethodCapabilities:
		views, err := s.Backend.ListCapabilities()
		if err != nil {
			return nil, err
		}
		return map[string]any{"capabilities": views}, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled: " + req.Method}
}

func (s *RPCServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// StdioConn joins stdin and stdout into one stream.
type StdioConn struct {
	io.Reader
	io.Writer
	Closers []io.Closer
}

// Close closes every underlying handle.
func (c StdioConn) Close() error {
	var errs []error
	for _, closer := range c.Closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
