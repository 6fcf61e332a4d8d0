package migrations

import (
	"io/fs"
	"testing"
)

func TestEmbeddedSetIsComplete(t *testing.T) {
	names, err := fs.Glob(Files, "*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations embedded; check the go:embed pattern")
	}
	if names[0] != "0001_users.up.sql" {
		t.Errorf("first migration = %q, want 0001_users.up.sql", names[0])
	}

	for _, name := range names {
		contents, err := fs.ReadFile(Files, name)
		if err != nil {
			t.Errorf("read %s: %v", name, err)
			continue
		}
		if len(contents) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}
