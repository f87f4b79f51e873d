// Package vmtest provides an in-process fake VM service for tests.
package vmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	inet "github.com/guseggert/vmwatch/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoReply makes a handler's request go unanswered.
var ErrNoReply = errors.New("no reply")

// Error is a JSON-RPC error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Handler answers one method. Returning an *Error sends an error response; ErrNoReply sends nothing.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Result returns a Handler that always answers with v.
func Result(v any) Handler {
	return func(context.Context, json.RawMessage) (any, error) { return v, nil }
}

// Fail returns a Handler that always answers with an error.
func Fail(code int, message string) Handler {
	return func(context.Context, json.RawMessage) (any, error) { return nil, &Error{Code: code, Message: message} }
}

// Call is a request the server received.
type Call struct {
	Method string
	Params json.RawMessage
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type Server struct {
	log  *zap.SugaredLogger
	addr string

	mu         sync.Mutex
	handlers   map[string]Handler
	calls      []Call
	conns      map[*websocket.Conn]context.CancelFunc
	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New starts a server on a free loopback port, with default answers for
// streamListen, getVersion and getVM.
func New(opts ...Option) (*Server, error) {
	addr, err := inet.EphemeralAddr()
	if err != nil {
		return nil, fmt.Errorf("reserving address: %w", err)
	}
	s := &Server{
		log:   zap.NewNop().Sugar(),
		addr:  addr,
		conns: map[*websocket.Conn]context.CancelFunc{},
		handlers: map[string]Handler{
			"streamListen": Result(map[string]any{"type": "Success"}),
			"getVersion":   Result(map[string]any{"type": "Version", "major": 4, "minor": 11}),
			"getVM": Result(map[string]any{
				"type":     "VM",
				"isolates": []map[string]any{{"type": "@Isolate", "id": "isolates/1", "name": "main"}},
			}),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// URL is the WebSocket URL of the service. It stays the same across restarts.
func (s *Server) URL() string { return "ws://" + s.addr + "/ws" }

// Handle sets the handler for method, replacing any previous one.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns the params of every received request for method, in arrival order.
func (s *Server) Calls(method string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params []json.RawMessage
	for _, c := range s.calls {
		if c.Method == method {
			params = append(params, c.Params)
		}
	}
	return params
}

// AllCalls returns every received request in arrival order.
func (s *Server) AllCalls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Connections is the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Start listens on the server's address. It is called by New and may be called again after Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	router := httprouter.New()
	router.GET("/ws", s.serveWS)
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Handler: router}

	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Debugf("serve error: %s", err)
		}
	}()
	return nil
}

// Stop closes the listener and drops every connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	s.DropConnections()
	if server == nil {
		return nil
	}
	return server.Close()
}

// DropConnections abruptly closes every open client connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.conns))
	for _, cancel := range s.conns {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Notify sends a streamNotify notification to every connected client.
func (s *Server) Notify(ctx context.Context, streamID string, event any) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := notification{
		JSONRPC: "2.0",
		Method:  "streamNotify",
		Params:  map[string]any{"streamId": streamID, "event": event},
	}
	for _, c := range conns {
		if err := wsjson.Write(ctx, c, msg); err != nil {
			return fmt.Errorf("writing notification: %w", err)
		}
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	// cancelling ctx tears the connection down abruptly
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conns[wsConn] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, wsConn)
		s.mu.Unlock()
		cancel()
	}()

	for {
		var req request
		err := wsjson.Read(ctx, wsConn, &req)
		if err != nil {
			s.log.Debugf("read error: %s", err)
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: req.Method, Params: req.Params})
		h, ok := s.handlers[req.Method]
		s.mu.Unlock()
		if !ok {
			h = Fail(-32601, "Method not found")
		}
		go s.answer(ctx, wsConn, req, h)
	}
}

func (s *Server) answer(ctx context.Context, conn *websocket.Conn, req request, h Handler) {
	result, err := h(ctx, req.Params)
	if errors.Is(err, ErrNoReply) {
		return
	}
	resp := response{JSONRPC: "2.0", ID: req.ID}
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		resp.Error = rpcErr
	case err != nil:
		resp.Error = &Error{Code: -32603, Message: err.Error()}
	default:
		resp.Result = result
	}
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		s.log.Debugf("error writing response: %s", err)
	}
}
