package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// DialHook runs before the pipe hands out a connection. Returning an error
// fails the dial; blocking on ctx simulates a slow handshake.
type DialHook func(ctx context.Context, attempt int, url string, header http.Header) error

// Pipe is an in-memory Dialer. Every successful Dial yields a PipeServer the
// test drives as the remote end.
type Pipe struct {
	mu     sync.Mutex
	hook   DialHook
	dials  int
	conns  []*PipeServer
	accept chan *PipeServer
}

// NewPipe creates an empty pipe.
func NewPipe() *Pipe {
	return &Pipe{accept: make(chan *PipeServer, 64)}
}

// SetDialHook installs a hook consulted on every Dial.
func (p *Pipe) SetDialHook(hook DialHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

// Dial implements Dialer.
func (p *Pipe) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	p.mu.Lock()
	p.dials++
	attempt := p.dials
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, attempt, url, header); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &pipeConn{
		toClient: make(chan []byte, 64),
		toServer: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	s := &PipeServer{URL: url, Header: header.Clone(), c: c}

	p.mu.Lock()
	p.conns = append(p.conns, s)
	p.mu.Unlock()

	select {
	case p.accept <- s:
	default:
	}
	return c, nil
}

// Accept waits for the next dialed connection.
func (p *Pipe) Accept(ctx context.Context) (*PipeServer, error) {
	select {
	case s := <-p.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dials returns how many times Dial was called, failed dials included.
func (p *Pipe) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Conns returns every connection the pipe handed out.
func (p *Pipe) Conns() []*PipeServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PipeServer(nil), p.conns...)
}

// PipeServer is the remote end of a pipe connection.
type PipeServer struct {
	URL    string
	Header http.Header
	c      *pipeConn
}

// Send delivers a frame to the client.
func (s *PipeServer) Send(data []byte) error {
	select {
	case <-s.c.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.c.toClient <- data:
		return nil
	case <-s.c.done:
		return ErrNotConnected
	}
}

// SendJSON marshals v and delivers it to the client.
func (s *PipeServer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Receive returns the next frame written by the client.
func (s *PipeServer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.c.toServer:
		return data, nil
	case <-s.c.done:
		return nil, s.c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection from the server side with the given code.
func (s *PipeServer) Close(code int, reason string) {
	s.c.closeWith(&CloseError{Code: code, Reason: reason})
}

// Closed reports whether either side closed the connection.
func (s *PipeServer) Closed() bool {
	select {
	case <-s.c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection closes.
func (s *PipeServer) Done() <-chan struct{} { return s.c.done }

// CloseCode returns the code the connection was closed with, or 0 if open.
func (s *PipeServer) CloseCode() int {
	if err := s.c.err(); err != nil {
		return err.Code
	}
	return 0
}

type pipeConn struct {
	toClient chan []byte
	toServer chan []byte
	done     chan struct{}

	once     sync.Once
	mu       sync.Mutex
	closeErr *CloseError
}

func (c *pipeConn) closeWith(ce *CloseError) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = ce
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *pipeConn) err() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.toClient:
		return data, nil
	case <-c.done:
		return nil, c.err()
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	case c.toServer <- data:
		return nil
	}
}

func (c *pipeConn) Close(code int, reason string) error {
	c.closeWith(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *pipeConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
