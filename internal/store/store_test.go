package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// forEachDriver runs fn against a fresh store of every driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, driver := range []string{DriverBolt, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "hosts.db")
			s, err := Open(driver, dbPath, testLogger())
			if err != nil {
				t.Fatalf("failed to open %s store: %v", driver, err)
			}
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func mustNewHost(t *testing.T, machineID string) *Host {
	t.Helper()
	h, err := NewHost(machineID)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return h
}

func TestStore_InsertAndFind(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		h := mustNewHost(t, "machine-a")

		if err := s.Insert(ctx, h); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		got, err := s.FindByMachineID(ctx, "machine-a")
		if err != nil {
			t.Fatalf("find failed: %v", err)
		}
		if got.ID != h.ID {
			t.Errorf("ID: got %s, want %s", got.ID, h.ID)
		}
		if got.MachineIP != "" || got.OSFamily != "" || got.OSVirtualization || got.HashedCPU != 0 {
			t.Errorf("new host should have zero fields, got %+v", got)
		}

		byID, err := s.Get(ctx, h.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if byID.MachineID != "machine-a" {
			t.Errorf("MachineID: got %s, want machine-a", byID.MachineID)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.FindByMachineID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("find: got %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Errorf("get: got %v, want ErrNotFound", err)
		}
		ip := "10.0.0.1"
		if err := s.Patch(ctx, uuid.New(), HostPatch{MachineIP: &ip}); !errors.Is(err, ErrNotFound) {
			t.Errorf("patch: got %v, want ErrNotFound", err)
		}
	})
}

func TestStore_DuplicateMachineID(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Insert(ctx, mustNewHost(t, "machine-a")); err != nil {
			t.Fatalf("first insert failed: %v", err)
		}
		err := s.Insert(ctx, mustNewHost(t, "machine-a"))
		if !errors.Is(err, ErrDuplicateMachineID) {
			t.Fatalf("second insert: got %v, want ErrDuplicateMachineID", err)
		}

		hosts, err := s.List(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(hosts) != 1 {
			t.Errorf("expected 1 host after duplicate insert, got %d", len(hosts))
		}
	})
}

func TestStore_PatchIsSparse(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		h := mustNewHost(t, "machine-a")
		if err := s.Insert(ctx, h); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		ip, country := "1.1.1.1", "US"
		name, virt := "Ubuntu 24.04", true
		if err := s.Patch(ctx, h.ID, HostPatch{MachineIP: &ip, MachineCountry: &country, OSName: &name, OSVirtualization: &virt}); err != nil {
			t.Fatalf("first patch failed: %v", err)
		}

		ip2 := "1.2.3.4"
		if err := s.Patch(ctx, h.ID, HostPatch{MachineIP: &ip2}); err != nil {
			t.Fatalf("second patch failed: %v", err)
		}

		got, err := s.Get(ctx, h.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.MachineIP != "1.2.3.4" {
			t.Errorf("MachineIP: got %s, want 1.2.3.4", got.MachineIP)
		}
		if got.MachineCountry != "US" {
			t.Errorf("MachineCountry: got %q, want US", got.MachineCountry)
		}
		if got.OSName != "Ubuntu 24.04" {
			t.Errorf("OSName: got %q, want Ubuntu 24.04", got.OSName)
		}
		if !got.OSVirtualization {
			t.Error("expected OSVirtualization to stay true")
		}
	})
}

func TestStore_EmptyPatch(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		h := mustNewHost(t, "machine-a")
		if err := s.Insert(ctx, h); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := s.Patch(ctx, h.ID, HostPatch{}); err != nil {
			t.Errorf("empty patch on existing host: %v", err)
		}
		if err := s.Patch(ctx, uuid.New(), HostPatch{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("empty patch on unknown host: got %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ListInCreationOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := []string{"machine-1", "machine-2", "machine-3"}
		for _, m := range want {
			if err := s.Insert(ctx, mustNewHost(t, m)); err != nil {
				t.Fatalf("insert %s failed: %v", m, err)
			}
		}

		hosts, err := s.List(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(hosts) != len(want) {
			t.Fatalf("expected %d hosts, got %d", len(want), len(hosts))
		}
		for i, h := range hosts {
			if h.MachineID != want[i] {
				t.Errorf("hosts[%d]: got %s, want %s", i, h.MachineID, want[i])
			}
		}
	})
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	for _, driver := range []string{DriverBolt, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			dbPath := filepath.Join(t.TempDir(), "hosts.db")

			s, err := Open(driver, dbPath, testLogger())
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			h := mustNewHost(t, "machine-a")
			if err := s.Insert(ctx, h); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			s.Close()

			s, err = Open(driver, dbPath, testLogger())
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer s.Close()

			got, err := s.FindByMachineID(ctx, "machine-a")
			if err != nil {
				t.Fatalf("find after reopen failed: %v", err)
			}
			if got.ID != h.ID {
				t.Errorf("ID: got %s, want %s", got.ID, h.ID)
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x"), testLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestHostPatch_ApplyTo(t *testing.T) {
	h := &Host{MachineIP: "10.0.0.1", MachineCountry: "DE", OSFamily: "linux", OSBuild: "6.8.0"}
	family := "windows"
	HostPatch{OSFamily: &family}.ApplyTo(h)

	if h.OSFamily != "windows" {
		t.Errorf("OSFamily: got %s, want windows", h.OSFamily)
	}
	if h.OSBuild != "6.8.0" || h.MachineIP != "10.0.0.1" || h.MachineCountry != "DE" {
		t.Errorf("absent fields changed: %+v", h)
	}
	if !(HostPatch{}).Empty() {
		t.Error("zero patch should be empty")
	}
	if (HostPatch{OSFamily: &family}).Empty() {
		t.Error("patch with a field should not be empty")
	}
}
