package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cmd represents a cache command type.
type Cmd string

const (
	CmdPut   = Cmd("put")
	CmdGet   = Cmd("get")
	CmdClose = Cmd("close")
)

// Request represents a request from the go command.
type Request struct {
	ID       int64
	Command  Cmd
	ActionID []byte    `json:",omitempty"`
	OutputID []byte    `json:",omitempty"`
	Body     io.Reader `json:"-"`
	BodySize int64     `json:",omitempty"`
}

// Response represents a response to the go command.
type Response struct {
	ID            int64      `json:",omitempty"`
	Err           string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Miss          bool       `json:",omitempty"`
	OutputID      []byte     `json:",omitempty"`
	Size          int64      `json:",omitempty"`
	Time          *time.Time `json:",omitempty"`
	DiskPath      string     `json:",omitempty"`
}

// CacheProg implements the GOCACHEPROG protocol over a CacheBackend.
// Requests are read in order and handled concurrently; responses may arrive out of order,
// which the protocol allows because every response carries its request ID.
type CacheProg struct {
	backend CacheBackend
	reader  *bufio.Reader
	logger  *slog.Logger

	mu     sync.Mutex
	writer *bufio.Writer
}

// NewCacheProg creates a new cache program reading requests from r and writing
// responses to w.
func NewCacheProg(backend CacheBackend, r io.Reader, w io.Writer, logger *slog.Logger) *CacheProg {
	return &CacheProg{
		backend: backend,
		reader:  bufio.NewReader(r),
		logger:  logger,
		writer:  bufio.NewWriter(w),
	}
}

// SendResponse writes one response line.
func (cp *CacheProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, err := cp.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := cp.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return cp.writer.Flush()
}

// nextLine returns the next non-empty line, or io.EOF. Lines are unbounded: a put body
// arrives base64 encoded on one line whatever its size, and oversized entries are refused
// later by the backend, not here.
func (cp *CacheProg) nextLine() ([]byte, error) {
	for {
		line, err := cp.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read request: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			// A final line without a newline is still a request.
			return trimmed, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

// ReadRequest reads one request, including the body line that follows a put.
func (cp *CacheProg) ReadRequest() (*Request, error) {
	line, err := cp.nextLine()
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}

	if req.Command == CmdPut && req.BodySize > 0 {
		bodyLine, err := cp.nextLine()
		if err != nil {
			// The go command went away mid-request.
			return nil, err
		}

		// The body is a JSON string holding base64.
		var encoded string
		if err := json.Unmarshal(bodyLine, &encoded); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body as JSON string: %w", err)
		}
		body, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		req.Body = bytes.NewReader(body)
	}

	return &req, nil
}

func (cp *CacheProg) handlePut(req *Request) Response {
	diskPath, err := cp.backend.Put(req.ActionID, req.OutputID, req.Body, req.BodySize)
	if err != nil {
		return Response{ID: req.ID, Err: err.Error()}
	}
	return Response{ID: req.ID, DiskPath: diskPath}
}

func (cp *CacheProg) handleGet(req *Request) Response {
	outputID, diskPath, size, putTime, miss, err := cp.backend.Get(req.ActionID)
	switch {
	case err != nil:
		return Response{ID: req.ID, Err: err.Error()}
	case miss:
		return Response{ID: req.ID, Miss: true}
	}
	return Response{
		ID:       req.ID,
		OutputID: outputID,
		DiskPath: diskPath,
		Size:     size,
		Time:     putTime,
	}
}

// HandleRequest answers one request. Backend failures are reported in the response;
// only a failure to write the response is returned.
func (cp *CacheProg) HandleRequest(req *Request) error {
	start := time.Now()

	var resp Response
	switch req.Command {
	case CmdPut:
		resp = cp.handlePut(req)
	case CmdGet:
		resp = cp.handleGet(req)
	case CmdClose:
		resp = Response{ID: req.ID}
		if err := cp.backend.Close(); err != nil {
			resp.Err = err.Error()
		}
	default:
		resp = Response{ID: req.ID, Err: fmt.Sprintf("unknown command: %s", req.Command)}
	}

	if resp.Err != "" {
		cp.logger.Warn("request failed", "id", req.ID, "command", req.Command, "error", resp.Err)
	} else {
		cp.logger.Debug("request handled", "id", req.ID, "command", req.Command,
			"miss", resp.Miss, "duration", time.Since(start))
	}
	return cp.SendResponse(resp)
}

// Run announces the supported commands and serves requests until close or EOF.
// The backend is closed exactly once: by the close command, or at EOF.
func (cp *CacheProg) Run() error {
	if err := cp.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdPut, CmdGet, CmdClose},
	}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	var eg errgroup.Group
	for {
		req, err := cp.ReadRequest()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = eg.Wait()
			cp.backend.Close()
			return err
		}

		if req.Command == CmdClose {
			// Answer close only after every earlier request has been answered.
			if err := eg.Wait(); err != nil {
				cp.backend.Close()
				return fmt.Errorf("failed to handle request: %w", err)
			}
			return cp.HandleRequest(req)
		}

		eg.Go(func() error {
			return cp.HandleRequest(req)
		})
	}

	if err := eg.Wait(); err != nil {
		cp.backend.Close()
		return fmt.Errorf("failed to handle request: %w", err)
	}
	return cp.backend.Close()
}
