// Package ctlsock implements the daemon's Unix-domain control socket: a
// newline-delimited JSON request/response protocol between cmd/gopherctl
// and the cmd/gopherd daemon, carrying AddTorrent, ListTorrents, and
// Shutdown (incoming peer connections go through the engine's own TCP
// listener, not this socket).
package ctlsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
)

// RequestType tags the three JSON request shapes.
type RequestType string

const (
	ReqAddTorrent   RequestType = "add_torrent"
	ReqListTorrents RequestType = "list_torrents"
	ReqShutdown     RequestType = "shutdown"
)

// Request is the wire envelope gopherctl sends: Type selects which of
// SourcePath/DestPath are meaningful. RequestID is a client-chosen
// correlation id echoed back in the Response.
type Request struct {
	Type       RequestType `json:"type"`
	RequestID  string      `json:"request_id,omitempty"`
	SourcePath string      `json:"source_path,omitempty"`
	DestPath   string      `json:"dest_path,omitempty"`
}

// Response is the wire envelope gopherd replies with.
type Response struct {
	OK        bool        `json:"ok"`
	RequestID string      `json:"request_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	Torrents  interface{} `json:"torrents,omitempty"`
	InfoHash  string      `json:"info_hash,omitempty"`
}

// Handler is implemented by the daemon-side engine: one method per request
// type, matching internal/engine's public surface.
type Handler interface {
	AddTorrent(sourcePath, destPath string) (infoHash string, err error)
	ListTorrents() (interface{}, error)
	Shutdown() error
}

// Server listens on a Unix-domain socket, removing any stale socket file
// left behind by an unclean prior exit, and dispatches each accepted
// connection's single request/response pair to Handler.
type Server struct {
	listener net.Listener
	handler  Handler
	log      *zap.SugaredLogger
}

// Listen creates the control socket at path.
func Listen(path string, handler Handler, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("ctlsock: removing stale socket: %w", err)
	}

	lst, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock: listening on %s: %w", path, err)
	}

	return &Server{listener: lst, handler: handler, log: log}, nil
}

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. It returns once Close has been called.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close shuts down the listener, unblocking Serve.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		s.log.Debugw("decoding control request failed", "err", err)
		writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}

	resp := s.dispatch(req)
	resp.RequestID = req.RequestID
	writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Type {
	case ReqAddTorrent:
		hash, err := s.handler.AddTorrent(req.SourcePath, req.DestPath)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, InfoHash: hash}
	case ReqListTorrents:
		snaps, err := s.handler.ListTorrents()
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Torrents: snaps}
	case ReqShutdown:
		if err := s.handler.Shutdown(); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}
	default:
		return Response{OK: false, Error: fmt.Sprintf("ctlsock: unknown request type %q", req.Type)}
	}
}

func writeResponse(conn net.Conn, resp Response) {
	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}

// Dial connects to a running daemon's control socket and performs a single
// request/response round trip, the gopherctl side of the protocol.
func Dial(path string, req Request) (Response, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("ctlsock: dialing %s: %w", path, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("ctlsock: sending request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ctlsock: decoding response: %w", err)
	}
	return resp, nil
}
