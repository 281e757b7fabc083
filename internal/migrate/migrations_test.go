package migrate

import (
	"testing"

	"cycleline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("expected recorded schema version, got %d", version)
	}
	// a second run applies nothing and leaves the version untouched
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&again); err != nil {
		t.Fatal(err)
	}
	if again != version {
		t.Fatalf("version moved from %d to %d on a no-op run", version, again)
	}
	// the schema is usable after migration
	if _, err := conn.Exec(`INSERT INTO cycles(id,name,status,created_at) VALUES ('c1','x','active','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert into migrated schema: %v", err)
	}
}
