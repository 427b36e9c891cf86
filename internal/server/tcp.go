package server

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"

	"rulegate/internal/dns"
)

type TCPServer struct {
	ListenAddr string
	Handler    *dns.Handler
	Verbose    bool
}

func NewTCPServer(listenAddr string, handler *dns.Handler, verbose bool) *TCPServer {
	return &TCPServer{
		ListenAddr: listenAddr,
		Handler:    handler,
		Verbose:    verbose,
	}
}

// Start accepts connections until ctx is done.
func (s *TCPServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.ListenAddr)
	if err != nil {
		log.Err(err).Msgf("failed to listen on TCP %s", s.ListenAddr)
		return err
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done, then closes it.
func (s *TCPServer) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()
	defer listener.Close()

	log.Info().Msgf("DNS proxy listening on TCP %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Err(err).Msg("Error accepting TCP connection")
			continue
		}

		if s.Verbose {
			log.Debug().Msgf("Accepted TCP connection from %s", conn.RemoteAddr())
		}

		go s.Handler.HandleTCP(ctx, conn)
	}
}
