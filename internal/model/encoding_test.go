package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncoderAssignsStableIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoding_mappings.json")
	e, err := LoadEncoder(path)
	if err != nil {
		t.Fatalf("LoadEncoder: %v", err)
	}

	mk := e.Encode("park_code", "mk")
	ep := e.Encode("park_code", "ep")
	if mk == ep {
		t.Fatalf("distinct categories share id %d", mk)
	}
	if again := e.Encode("park_code", "mk"); again != mk {
		t.Fatalf("re-encode changed id: %d -> %d", mk, again)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh load sees the same assignments and appends after them.
	e2, err := LoadEncoder(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := e2.Encode("park_code", "mk"); got != mk {
		t.Fatalf("persisted id drifted: %d -> %d", mk, got)
	}
	hs := e2.Encode("park_code", "hs")
	if hs == mk || hs == ep {
		t.Fatalf("new category reused id %d", hs)
	}

	cat, ok := e2.Decode("park_code", mk)
	if !ok || cat != "mk" {
		t.Fatalf("Decode = %q, %v", cat, ok)
	}
}

func TestEncoderSaveIsNoOpWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoding_mappings.json")
	e, err := LoadEncoder(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("clean encoder wrote a file")
	}
}
