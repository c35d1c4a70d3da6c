// Package store persists host records for wk.
//
// Two drivers implement Store: a BoltDB file (the default) and SQLite. Both
// enforce uniqueness of the external machine id at the storage level and
// apply sparse patches field by field inside a single write transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no host matches the lookup.
	ErrNotFound = errors.New("host not found")

	// ErrDuplicateMachineID is returned by Insert when another host already
	// owns the machine id.
	ErrDuplicateMachineID = errors.New("machine id already registered")
)

// Host is one agent-reporting machine.
type Host struct {
	ID        uuid.UUID `json:"id" msgpack:"id"`
	MachineID string    `json:"machine_id" msgpack:"machine_id"`

	MachineIP      string `json:"machine_ip" msgpack:"machine_ip"`
	MachineCountry string `json:"machine_country" msgpack:"machine_country"`
	MachineGeo     string `json:"machine_geo" msgpack:"machine_geo"`

	OSFamily         string `json:"os_family" msgpack:"os_family"`
	OSName           string `json:"os_name" msgpack:"os_name"`
	OSVersion        string `json:"os_version" msgpack:"os_version"`
	OSArch           string `json:"os_arch" msgpack:"os_arch"`
	OSBuild          string `json:"os_build" msgpack:"os_build"`
	OSVirtualization bool   `json:"os_virtualization" msgpack:"os_virtualization"`

	// Hardware fingerprints. No event writes these yet.
	HashedCPU     int32 `json:"hashed_cpu" msgpack:"hashed_cpu"`
	HashedGPU     int32 `json:"hashed_gpu" msgpack:"hashed_gpu"`
	HashedMemory  int32 `json:"hashed_memory" msgpack:"hashed_memory"`
	HashedDisk    int32 `json:"hashed_disk" msgpack:"hashed_disk"`
	HashedNetwork int32 `json:"hashed_network" msgpack:"hashed_network"`
}

// NewHost returns a host with a fresh time-ordered id and every other field
// at its zero value.
func NewHost(machineID string) (*Host, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating host id: %w", err)
	}
	return &Host{ID: id, MachineID: machineID}, nil
}

// HostPatch is a sparse update. A nil field leaves the stored value as is.
type HostPatch struct {
	MachineIP      *string
	MachineCountry *string
	MachineGeo     *string

	OSFamily         *string
	OSName           *string
	OSVersion        *string
	OSArch           *string
	OSBuild          *string
	OSVirtualization *bool
}

// ApplyTo merges the present fields of p into h.
func (p HostPatch) ApplyTo(h *Host) {
	assign(&h.MachineIP, p.MachineIP)
	assign(&h.MachineCountry, p.MachineCountry)
	assign(&h.MachineGeo, p.MachineGeo)
	assign(&h.OSFamily, p.OSFamily)
	assign(&h.OSName, p.OSName)
	assign(&h.OSVersion, p.OSVersion)
	assign(&h.OSArch, p.OSArch)
	assign(&h.OSBuild, p.OSBuild)
	assign(&h.OSVirtualization, p.OSVirtualization)
}

// Empty reports whether the patch changes nothing.
func (p HostPatch) Empty() bool {
	return len(p.columns()) == 0
}

type column struct {
	name  string
	value any
}

// columns lists the present fields by SQL column name, in schema order.
func (p HostPatch) columns() []column {
	var cols []column
	cols = appendColumn(cols, "machine_ip", p.MachineIP)
	cols = appendColumn(cols, "machine_country", p.MachineCountry)
	cols = appendColumn(cols, "machine_geo", p.MachineGeo)
	cols = appendColumn(cols, "os_family", p.OSFamily)
	cols = appendColumn(cols, "os_name", p.OSName)
	cols = appendColumn(cols, "os_version", p.OSVersion)
	cols = appendColumn(cols, "os_arch", p.OSArch)
	cols = appendColumn(cols, "os_build", p.OSBuild)
	cols = appendColumn(cols, "os_virtualization", p.OSVirtualization)
	return cols
}

// assign sets *dst to *v when v is present.
func assign[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func appendColumn[T any](cols []column, name string, v *T) []column {
	if v == nil {
		return cols
	}
	return append(cols, column{name: name, value: *v})
}

// Store is the persistence boundary used by the ingestion pipeline.
type Store interface {
	// FindByMachineID returns ErrNotFound when no host owns machineID.
	FindByMachineID(ctx context.Context, machineID string) (*Host, error)
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*Host, error)
	// Insert returns ErrDuplicateMachineID when the machine id is taken.
	Insert(ctx context.Context, h *Host) error
	// Patch returns ErrNotFound when id is unknown.
	Patch(ctx context.Context, id uuid.UUID, p HostPatch) error
	// List returns every host ordered by id, which is creation order.
	List(ctx context.Context) ([]Host, error)
	Close() error
}

// Drivers accepted by Open.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open opens the store selected by driver at path, creating the parent
// directory when missing.
func Open(driver, path string, log zerolog.Logger) (Store, error) {
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	switch driver {
	case DriverBolt, "":
		return NewBoltStore(path, log)
	case DriverSQLite:
		return NewSQLiteStore(path, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
