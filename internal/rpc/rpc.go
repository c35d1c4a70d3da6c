// Package rpc provides Unix socket IPC between the wk server and the hosts CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	netrpc "net/rpc"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tsln1998/wk/internal/store"
)

// HostReader is the part of store.Store the service reads from.
type HostReader interface {
	FindByMachineID(ctx context.Context, machineID string) (*store.Host, error)
	List(ctx context.Context) ([]store.Host, error)
}

// Service is the RPC service exposed by the server.
type Service struct {
	store HostReader
	log   zerolog.Logger
}

// ListHostsArgs is the request for ListHosts.
type ListHostsArgs struct{}

// ListHostsReply is the response for ListHosts.
type ListHostsReply struct {
	Hosts []store.Host
}

// GetHostArgs is the request for GetHost.
type GetHostArgs struct {
	MachineID string
}

// GetHostReply is the response for GetHost.
type GetHostReply struct {
	Host store.Host
}

// ListHosts returns every stored host.
func (s *Service) ListHosts(args *ListHostsArgs, reply *ListHostsReply) error {
	hosts, err := s.store.List(context.Background())
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}
	reply.Hosts = hosts
	return nil
}

// GetHost returns the host owning a machine id.
func (s *Service) GetHost(args *GetHostArgs, reply *GetHostReply) error {
	h, err := s.store.FindByMachineID(context.Background(), args.MachineID)
	if err != nil {
		// The bare sentinel text lets the client map it back.
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("fetching host: %w", err)
	}
	reply.Host = *h
	return nil
}

// StartServer starts the Unix socket RPC server. Closing the returned closer
// stops accepting connections and removes the socket file.
func StartServer(socketPath string, db HostReader, log zerolog.Logger) (io.Closer, error) {
	log = log.With().Str("component", "rpc").Logger()
	service := &Service{store: db, log: log}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return nil, fmt.Errorf("registering RPC service: %w", err)
	}

	sockDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", sockDir, err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	// Set socket permissions
	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	go func() {
		for {
			conn, err := listener.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("RPC accept error")
				continue
			}
			go server.ServeConn(conn)
		}
	}()

	return listener, nil
}

// Client is a client for the wk RPC service.
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

// ListHosts fetches all hosts from the server.
func (c *Client) ListHosts() ([]store.Host, error) {
	args := &ListHostsArgs{}
	reply := &ListHostsReply{}
	if err := c.client.Call("Service.ListHosts", args, reply); err != nil {
		return nil, err
	}
	return reply.Hosts, nil
}

// GetHost fetches one host by machine id. It returns store.ErrNotFound when
// the server has no such host.
func (c *Client) GetHost(machineID string) (*store.Host, error) {
	args := &GetHostArgs{MachineID: machineID}
	reply := &GetHostReply{}
	if err := c.client.Call("Service.GetHost", args, reply); err != nil {
		var se netrpc.ServerError
		if errors.As(err, &se) && string(se) == store.ErrNotFound.Error() {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &reply.Host, nil
}
