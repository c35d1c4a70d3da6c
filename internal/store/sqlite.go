package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const hostColumns = `id, machine_id, machine_ip, machine_country, machine_geo,
	os_family, os_name, os_version, os_arch, os_build, os_virtualization,
	hashed_cpu, hashed_gpu, hashed_memory, hashed_disk, hashed_network`

// SQLiteStore implements Store on SQLite through modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteStore opens the database at path, creating the schema when missing.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	// Pragmas are per connection, so they ride in the DSN.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "store").Str("driver", DriverSQLite).Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.log.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			id                TEXT PRIMARY KEY,
			machine_id        TEXT NOT NULL UNIQUE,
			machine_ip        TEXT NOT NULL DEFAULT '',
			machine_country   TEXT NOT NULL DEFAULT '',
			machine_geo       TEXT NOT NULL DEFAULT '',
			os_family         TEXT NOT NULL DEFAULT '',
			os_name           TEXT NOT NULL DEFAULT '',
			os_version        TEXT NOT NULL DEFAULT '',
			os_arch           TEXT NOT NULL DEFAULT '',
			os_build          TEXT NOT NULL DEFAULT '',
			os_virtualization INTEGER NOT NULL DEFAULT 0,
			hashed_cpu        INTEGER NOT NULL DEFAULT 0,
			hashed_gpu        INTEGER NOT NULL DEFAULT 0,
			hashed_memory     INTEGER NOT NULL DEFAULT 0,
			hashed_disk       INTEGER NOT NULL DEFAULT 0,
			hashed_network    INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindByMachineID looks a host up by its external machine id.
func (s *SQLiteStore) FindByMachineID(ctx context.Context, machineID string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE machine_id = ?`, machineID)
	return scanHost(row)
}

// Get loads a host by internal id.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id.String())
	return scanHost(row)
}

// Insert adds a host. The UNIQUE constraint on machine_id rejects a second
// host for the same machine with ErrDuplicateMachineID.
func (s *SQLiteStore) Insert(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (`+hostColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID.String(), h.MachineID,
		h.MachineIP, h.MachineCountry, h.MachineGeo,
		h.OSFamily, h.OSName, h.OSVersion, h.OSArch, h.OSBuild, h.OSVirtualization,
		h.HashedCPU, h.HashedGPU, h.HashedMemory, h.HashedDisk, h.HashedNetwork,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMachineID
		}
		return fmt.Errorf("inserting host: %w", err)
	}

	s.log.Debug().
		Str("host_id", h.ID.String()).
		Str("machine_id", h.MachineID).
		Msg("Host inserted")
	return nil
}

// Patch updates only the columns present in p.
func (s *SQLiteStore) Patch(ctx context.Context, id uuid.UUID, p HostPatch) error {
	cols := p.columns()
	if len(cols) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c.name+" = ?")
		args = append(args, c.value)
	}
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating host: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating host: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every host ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(row scanner) (*Host, error) {
	var (
		h  Host
		id string
	)
	err := row.Scan(
		&id, &h.MachineID,
		&h.MachineIP, &h.MachineCountry, &h.MachineGeo,
		&h.OSFamily, &h.OSName, &h.OSVersion, &h.OSArch, &h.OSBuild, &h.OSVirtualization,
		&h.HashedCPU, &h.HashedGPU, &h.HashedMemory, &h.HashedDisk, &h.HashedNetwork,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning host: %w", err)
	}
	if h.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing host id %q: %w", id, err)
	}
	return &h, nil
}

// isConstraintViolation reports whether err is a UNIQUE constraint failure.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
