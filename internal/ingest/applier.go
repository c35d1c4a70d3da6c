package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsln1998/wk/internal/event"
	"github.com/tsln1998/wk/internal/store"
)

// Applier merges one event into a host. A mailbox consumer calls it with the
// host snapshot it owns; Apply updates that snapshot after persisting.
type Applier interface {
	Apply(ctx context.Context, host *store.Host, ev event.Event) error
}

// HostPatcher is the part of store.Store the applier needs.
type HostPatcher interface {
	Patch(ctx context.Context, id uuid.UUID, p store.HostPatch) error
}

// HostApplier persists events as sparse host patches.
type HostApplier struct {
	store HostPatcher
	log   zerolog.Logger
}

// NewHostApplier returns an applier writing to s.
func NewHostApplier(s HostPatcher, log zerolog.Logger) *HostApplier {
	return &HostApplier{
		store: s,
		log:   log.With().Str("component", "applier").Logger(),
	}
}

// Apply converts ev to a patch, stores it and merges it into host.
func (a *HostApplier) Apply(ctx context.Context, host *store.Host, ev event.Event) error {
	p, err := patchFor(ev)
	if err != nil {
		return err
	}

	if err := a.store.Patch(ctx, host.ID, p); err != nil {
		return fmt.Errorf("applying %s to host %s: %w", ev.Kind(), host.ID, err)
	}
	p.ApplyTo(host)

	a.log.Debug().
		Str("host_id", host.ID.String()).
		Str("event", string(ev.Kind())).
		Msg("Event applied")
	return nil
}

// patchFor is the single dispatch point over event variants.
func patchFor(ev event.Event) (store.HostPatch, error) {
	switch e := ev.(type) {
	case event.MachineEmit:
		return store.HostPatch{
			MachineIP:      &e.IP,
			MachineCountry: e.Country,
		}, nil
	case event.OsEmit:
		return store.HostPatch{
			OSFamily:         &e.Family,
			OSName:           e.Name,
			OSVersion:        e.Version,
			OSArch:           e.Arch,
			OSBuild:          e.Build,
			OSVirtualization: e.Virtualization,
		}, nil
	default:
		return store.HostPatch{}, fmt.Errorf("unsupported event %T", ev)
	}
}
