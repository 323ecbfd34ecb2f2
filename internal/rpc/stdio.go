package rpc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/cawhq/caw/internal/logging"
)

// StdioServer serves JSON-RPC over line-delimited stdin/stdout. Log
// output must go to stderr; stdout carries only responses.
type StdioServer struct {
	dispatcher *Dispatcher
	log        *logging.Logger
}

// NewStdioServer creates a stdio transport over the dispatcher.
func NewStdioServer(d *Dispatcher, log *logging.Logger) *StdioServer {
	if log == nil {
		log = logging.NewNop()
	}
	return &StdioServer{dispatcher: d, log: log}
}

// Serve reads requests from in until EOF or context cancellation and
// writes one response line per request to out.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.dispatcher.HandleRaw(ctx, line)
		if _, err := out.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("writing rpc response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading rpc input: %w", err)
	}
	s.log.Info("stdio transport closed")
	return nil
}
