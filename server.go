package main

import (
	"context"
	"crypto/tls"
	"log"
	"net"
)

// Server is the TLS accept loop: it owns the listener and the shared
// dependencies every accepted connection's session needs, and enforces the
// maxConnections cap from spec §4.9.
type Server struct {
	addr           string
	tlsConfig      *tls.Config
	deps           *Deps
	maxConnections int
}

func NewServer(addr string, tlsConfig *tls.Config, deps *Deps, maxConnections int) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, deps: deps, maxConnections: maxConnections}
}

// Run listens for TLS connections on s.addr until ctx is canceled. Each
// accepted connection is registered with the client manager and handed off
// to its own session goroutine; a connection arriving while at capacity is
// closed immediately without ever reaching the client manager.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[server] listening on %s", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if s.deps.Clients.Count() >= s.maxConnections {
			log.Printf("[server] rejecting %s: at capacity (%d)", conn.RemoteAddr(), s.maxConnections)
			conn.Close()
			continue
		}

		c := s.deps.Clients.Add(conn)
		log.Printf("[client %d] connected from %s", c.ID, c.RemoteAddr)
		go handleConnection(s.deps, c)
	}
}

// splitHostPort is a tiny helper so callers building a TLS hostname for the
// certificate don't need to import net directly.
func splitHostPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}
