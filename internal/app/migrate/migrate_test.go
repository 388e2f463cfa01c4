package migrate

import (
	"path/filepath"
	"testing"
)

func TestNewValidatesInputs(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		dsn  string
		dir  string
		ok   bool
	}{
		{"valid", "postgres://localhost/morphlink", dir, true},
		{"missing dsn", "", dir, false},
		{"missing dir", "postgres://localhost/morphlink", "", false},
		{"absent dir", "postgres://localhost/morphlink", filepath.Join(dir, "nope"), false},
	}
	for _, tc := range cases {
		_, err := New(tc.dsn, tc.dir, nil)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestMigrationsDirectoryIsShipped(t *testing.T) {
	if _, err := New("postgres://localhost/morphlink", filepath.Join("..", "..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("expected repository migrations to be found: %v", err)
	}
}
