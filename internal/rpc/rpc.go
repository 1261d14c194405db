// Package rpc provides Unix socket IPC between the dtnbeacon node and the
// peers CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"

	"github.com/rs/zerolog"

	"dtnbeacon/internal/store"
)

// PeerLister is the part of the peer store served over RPC.
type PeerLister interface {
	GetAll() ([]store.PeerRecord, error)
	GetActive() ([]store.PeerRecord, error)
}

// Service is the RPC service exposed by the node.
type Service struct {
	store PeerLister
	log   zerolog.Logger
}

// ListPeersArgs is the request for ListPeers.
type ListPeersArgs struct {
	ActiveOnly bool
}

// ListPeersReply is the response for ListPeers.
type ListPeersReply struct {
	Peers []store.PeerRecord
}

// ListPeers returns the known peer records.
func (s *Service) ListPeers(args *ListPeersArgs, reply *ListPeersReply) error {
	var (
		peers []store.PeerRecord
		err   error
	)
	if args.ActiveOnly {
		peers, err = s.store.GetActive()
	} else {
		peers, err = s.store.GetAll()
	}
	if err != nil {
		return fmt.Errorf("fetching peers: %w", err)
	}
	s.log.Debug().Bool("active_only", args.ActiveOnly).Int("peers", len(peers)).Msg("ListPeers served")
	reply.Peers = peers
	return nil
}

// StartServer starts the Unix socket RPC server. It stops accepting and
// removes the socket once ctx is cancelled.
func StartServer(ctx context.Context, socketPath string, db PeerLister, log zerolog.Logger) error {
	service := &Service{store: db, log: log}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	// Set socket permissions
	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error().Err(err).Msg("RPC accept error")
				continue
			}
			go server.ServeConn(conn)
		}
	}()

	return nil
}

// Client is a client for the dtnbeacon RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListPeers fetches peer records from the node.
func (c *Client) ListPeers(activeOnly bool) ([]store.PeerRecord, error) {
	args := &ListPeersArgs{ActiveOnly: activeOnly}
	reply := &ListPeersReply{}
	if err := c.client.Call("Service.ListPeers", args, reply); err != nil {
		return nil, err
	}
	return reply.Peers, nil
}
