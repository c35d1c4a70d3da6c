// Package ingest turns reported events into host state.
//
// A Resolver maps an agent's machine id to its durable host record, a Registry
// hands out senders for per-host mailboxes, and each mailbox has one consumer
// goroutine that feeds events to an Applier in arrival order.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tsln1998/wk/internal/store"
)

// ErrInvalidMachineID is returned by Resolve for an empty machine id.
var ErrInvalidMachineID = errors.New("machine id must not be empty")

// HostStore is the part of store.Store the resolver needs.
type HostStore interface {
	FindByMachineID(ctx context.Context, machineID string) (*store.Host, error)
	Insert(ctx context.Context, h *store.Host) error
}

// Resolver finds or creates the host record for a machine id.
type Resolver struct {
	store HostStore
	log   zerolog.Logger
}

// NewResolver returns a resolver backed by s.
func NewResolver(s HostStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: s,
		log:   log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the host owning machineID, creating it on first contact.
//
// Two concurrent first contacts both miss the lookup; the store's uniqueness
// check rejects the second insert and that caller re-reads the winner's row.
func (r *Resolver) Resolve(ctx context.Context, machineID string) (*store.Host, error) {
	if machineID == "" {
		return nil, ErrInvalidMachineID
	}

	h, err := r.store.FindByMachineID(ctx, machineID)
	if err == nil {
		r.log.Debug().
			Str("machine_id", machineID).
			Str("host_id", h.ID.String()).
			Msg("Found host")
		return h, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up machine %s: %w", machineID, err)
	}

	h, err = store.NewHost(machineID)
	if err != nil {
		return nil, err
	}

	err = r.store.Insert(ctx, h)
	if errors.Is(err, store.ErrDuplicateMachineID) {
		h, err = r.store.FindByMachineID(ctx, machineID)
		if err != nil {
			return nil, fmt.Errorf("re-reading machine %s after conflict: %w", machineID, err)
		}
		r.log.Debug().
			Str("machine_id", machineID).
			Str("host_id", h.ID.String()).
			Msg("Host created concurrently")
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating host for machine %s: %w", machineID, err)
	}

	r.log.Info().
		Str("machine_id", machineID).
		Str("host_id", h.ID.String()).
		Msg("Created host")
	return h, nil
}
