package server

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"

	"rulegate/internal/dns"
)

const udpBufferSize = 65535

type UDPServer struct {
	ListenAddr string
	Handler    *dns.Handler
	Verbose    bool
}

func NewUDPServer(listenAddr string, handler *dns.Handler, verbose bool) *UDPServer {
	return &UDPServer{
		ListenAddr: listenAddr,
		Handler:    handler,
		Verbose:    verbose,
	}
}

// Start serves datagrams until ctx is done.
func (s *UDPServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.ListenAddr)
	if err != nil {
		log.Err(err).Msgf("failed to listen on UDP %s", s.ListenAddr)
		return err
	}

	return s.Serve(ctx, pc.(*net.UDPConn))
}

// Serve reads queries from conn until ctx is done, then closes it.
func (s *UDPServer) Serve(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log.Info().Msgf("DNS proxy listening on UDP %s", conn.LocalAddr())

	buffer := make([]byte, udpBufferSize)

	for {
		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Err(err).Msg("Error reading from UDP")
			continue
		}

		if s.Verbose {
			log.Debug().Msgf("Received %d bytes from %s", n, clientAddr)
		}

		queryCopy := make([]byte, n)
		copy(queryCopy, buffer[:n])

		go s.Handler.HandleUDP(ctx, conn, clientAddr, queryCopy)
	}
}
