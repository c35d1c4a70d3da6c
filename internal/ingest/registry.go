package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsln1998/wk/internal/event"
	"github.com/tsln1998/wk/internal/store"
)

// DefaultCapacity is the queue size of a mailbox when none is configured.
const DefaultCapacity = 16

var (
	// ErrRegistryClosed is returned by Obtain after Shutdown.
	ErrRegistryClosed = errors.New("mailbox registry is shut down")

	// ErrMailboxClosed is returned by a sender that was already closed.
	ErrMailboxClosed = errors.New("mailbox sender is closed")
)

// Mode selects how mailboxes are shared.
type Mode string

const (
	// ModePerHost shares one mailbox between all open senders of a host.
	ModePerHost Mode = "per-host"
	// ModePerSession gives every Obtain its own mailbox and consumer.
	ModePerSession Mode = "per-session"
)

// ParseMode validates a mode name. An empty name selects ModePerHost.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePerHost, "":
		return ModePerHost, nil
	case ModePerSession:
		return ModePerSession, nil
	default:
		return "", fmt.Errorf("unknown mailbox mode %q", s)
	}
}

type mailbox struct {
	hostID uuid.UUID
	queue  chan event.Event
	refs   int // guarded by Registry.mu
	done   chan struct{}
}

// Registry owns the mailboxes and their consumer goroutines.
type Registry struct {
	applier  Applier
	capacity int
	mode     Mode
	log      zerolog.Logger

	mu     sync.Mutex
	byHost map[uuid.UUID]*mailbox
	open   map[*mailbox]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry returns a registry whose consumers feed applier.
func NewRegistry(applier Applier, capacity int, mode Mode, log zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if mode == "" {
		mode = ModePerHost
	}
	return &Registry{
		applier:  applier,
		capacity: capacity,
		mode:     mode,
		log:      log.With().Str("component", "mailbox").Logger(),
		byHost:   make(map[uuid.UUID]*mailbox),
		open:     make(map[*mailbox]struct{}),
	}
}

// Obtain returns a sender for host's mailbox, starting a consumer when no
// mailbox is open. The consumer works on its own copy of host.
//
// In per-host mode a mailbox that is still draining after its last sender
// closed is not reused; the new consumer waits for it to finish first.
func (r *Registry) Obtain(host *store.Host) (*Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	var prev <-chan struct{}
	if r.mode == ModePerHost {
		if mb, ok := r.byHost[host.ID]; ok {
			if mb.refs > 0 {
				mb.refs++
				return &Sender{reg: r, mb: mb}, nil
			}
			prev = mb.done
		}
	}

	mb := &mailbox{
		hostID: host.ID,
		queue:  make(chan event.Event, r.capacity),
		refs:   1,
		done:   make(chan struct{}),
	}
	if r.mode == ModePerHost {
		r.byHost[host.ID] = mb
	}
	r.open[mb] = struct{}{}

	snapshot := *host
	r.wg.Add(1)
	go r.consume(mb, &snapshot, prev)

	r.log.Debug().
		Str("host_id", host.ID.String()).
		Bool("waits_for_predecessor", prev != nil).
		Msg("Mailbox opened")
	return &Sender{reg: r, mb: mb}, nil
}

// consume applies queued events in order until the queue is closed and empty.
func (r *Registry) consume(mb *mailbox, host *store.Host, prev <-chan struct{}) {
	defer r.wg.Done()

	if prev != nil {
		<-prev
	}

	var applied, failed int
	for ev := range mb.queue {
		if err := r.applier.Apply(context.Background(), host, ev); err != nil {
			failed++
			r.log.Error().Err(err).
				Str("host_id", mb.hostID.String()).
				Str("event", string(ev.Kind())).
				Msg("Failed to apply event")
			continue
		}
		applied++
	}

	r.mu.Lock()
	if r.byHost[mb.hostID] == mb {
		delete(r.byHost, mb.hostID)
	}
	delete(r.open, mb)
	r.mu.Unlock()
	close(mb.done)

	r.log.Debug().
		Str("host_id", mb.hostID.String()).
		Int("applied", applied).
		Int("failed", failed).
		Msg("Mailbox drained")
}

func (r *Registry) retain(mb *mailbox) {
	r.mu.Lock()
	mb.refs++
	r.mu.Unlock()
}

func (r *Registry) release(mb *mailbox) {
	r.mu.Lock()
	mb.refs--
	if mb.refs == 0 {
		close(mb.queue)
	}
	r.mu.Unlock()
}

// Len returns the number of mailboxes whose consumer has not exited.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Shutdown stops handing out senders and waits for every consumer to drain.
// Consumers only finish once their senders are closed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("All mailboxes drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for mailboxes: %w", ctx.Err())
	}
}

// Sender is one reference to a mailbox. Close it when done; the mailbox
// closes when its last sender does.
type Sender struct {
	reg *Registry
	mb  *mailbox

	mu       sync.RWMutex
	released bool
}

// HostID returns the host the mailbox belongs to.
func (s *Sender) HostID() uuid.UUID {
	return s.mb.hostID
}

// Send enqueues ev, blocking while the queue is full.
func (s *Sender) Send(ctx context.Context, ev event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.released {
		return ErrMailboxClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case s.mb.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clone returns another sender for the same mailbox.
func (s *Sender) Clone() (*Sender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.released {
		return nil, ErrMailboxClosed
	}
	s.reg.retain(s.mb)
	return &Sender{reg: s.reg, mb: s.mb}, nil
}

// Close releases this reference. Calling it again does nothing.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	s.reg.release(s.mb)
}
