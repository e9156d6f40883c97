//go:build linux || darwin

package rpc

import (
	"github.com/hashicorp/go-multierror"
	"github.com/wippyai/capbridge/stream"
	"go.uber.org/zap"
)

// Server accepts connections on a listener and runs one Conn per stream.
type Server struct {
	listener *stream.Listener
	opts     Options
	log      *zap.Logger
	conns    map[*Conn]struct{}
	closed   bool
	err      error
}

// Serve starts accepting on l. The server owns l from here on.
func Serve(l *stream.Listener, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		listener: l,
		opts:     opts,
		log:      opts.Logger.With(zap.String("listen", l.Addr())),
		conns:    make(map[*Conn]struct{}),
	}
	s.log.Info("serving")
	s.accept()
	return s
}

func (s *Server) accept() {
	s.listener.Accept().Then(func(st *stream.Stream, err error) {
		if s.closed {
			if st != nil {
				_ = st.Close()
			}
			return
		}
		if err != nil {
			s.err = err
			s.log.Error("accept failed, no longer serving", zap.Error(err))
			return
		}
		c := NewConn(st, s.opts)
		s.conns[c] = struct{}{}
		s.log.Debug("accepted connection", zap.String("conn_id", c.ID()))
		c.Done().Then(func(struct{}, error) {
			delete(s.conns, c)
		})
		s.accept()
	})
}

// Port returns the port the listener is bound to.
func (s *Server) Port() (int, error) {
	return s.listener.Port()
}

// Conns returns the open connections.
func (s *Server) Conns() []*Conn {
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Err returns the accept error that stopped the server, if any.
func (s *Server) Err() error {
	return s.err
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for c := range s.conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.conns = make(map[*Conn]struct{})
	return result.ErrorOrNil()
}
