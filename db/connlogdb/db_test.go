package connlogdb

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "connlog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version not 0")
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func TestAddRecent(t *testing.T) {
	db := openTestDB(t)

	base := time.UnixMilli(1700000000000)
	r1 := NewRecord("c1",
		netip.MustParseAddrPort("10.1.2.3:41000"),
		netip.MustParseAddrPort("93.184.216.34:443"),
		base, 1500*time.Millisecond, 1234, 56789, "done")
	r2 := NewRecord("c2",
		netip.MustParseAddrPort("10.1.2.4:41001"),
		netip.MustParseAddrPort("93.184.216.34:80"),
		base.Add(time.Second), 20*time.Millisecond, 0, 0, "connect_failed")

	if err := db.Add(r1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Add(r2); err != nil {
		t.Fatalf("add: %v", err)
	}

	rs, err := db.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("got %d records", len(rs))
	}
	if rs[0] != r2 || rs[1] != r1 {
		t.Fatalf("unexpected order or contents: %+v", rs)
	}

	rs, err = db.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "c2" {
		t.Fatalf("limit not applied: %+v", rs)
	}
}

func TestDuplicateID(t *testing.T) {
	db := openTestDB(t)

	r := NewRecord("dup",
		netip.MustParseAddrPort("10.0.0.1:1"),
		netip.MustParseAddrPort("10.0.0.2:2"),
		time.UnixMilli(0), 0, 0, 0, "done")
	if err := db.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Add(r); err == nil {
		t.Fatal("duplicate id accepted")
	}
}
