package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	reg := &Registry{Properties: DefaultProperties, LegacyPatterns: defaultLegacyPatterns}
	cases := []struct {
		key  string
		want FileClass
	}{
		{"export/wait_times/wdw/wdw_2024_05.csv", ClassStandby},
		{"export/fastpass_times/wdw/fp_2024_05.csv", ClassFastpassNew},
		{"export/fastpass_times/wdw/fp_2014_06.csv", ClassFastpassOld},
		{"export/fastpass_times/wdw/fp_2019_01.csv", ClassFastpassOld},
		{"export/fastpass_times/wdw/fp_201902.csv", ClassFastpassOld},
		{"export/fastpass_times/wdw/fp_2019_03.csv", ClassFastpassNew},
		{"export/other/wdw/readme.txt", ClassUnknown},
	}
	for _, c := range cases {
		if got := reg.Classify(c.key); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.key, got, c.want)
		}
	}
}

func TestLoadRegistry(t *testing.T) {
	t.Run("missing file gives defaults", func(t *testing.T) {
		reg, err := LoadRegistry(filepath.Join(t.TempDir(), "sources.yaml"))
		if err != nil {
			t.Fatalf("LoadRegistry: %v", err)
		}
		if len(reg.Properties) != len(DefaultProperties) {
			t.Fatalf("got %d properties", len(reg.Properties))
		}
	})

	t.Run("custom file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sources.yaml")
		doc := `properties:
  - name: wdw
    standby_prefix: export/wait_times/wdw/
    fastpass_prefix: export/fastpass_times/wdw/
    timezone: America/New_York
legacy_patterns: ["_2014"]
`
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
		reg, err := LoadRegistry(path)
		if err != nil {
			t.Fatalf("LoadRegistry: %v", err)
		}
		if len(reg.Properties) != 1 || reg.Properties[0].Name != "wdw" {
			t.Fatalf("properties = %+v", reg.Properties)
		}
		if got := reg.Classify("export/fastpass_times/wdw/fp_2015.csv"); got != ClassFastpassNew {
			t.Errorf("custom legacy patterns ignored: %s", got)
		}
	})

	t.Run("select", func(t *testing.T) {
		reg := &Registry{Properties: DefaultProperties}
		got, err := reg.Select([]string{"WDW", "tdr"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(got) != 2 || got[0].Name != "wdw" || got[1].Name != "tdr" {
			t.Fatalf("Select = %+v", got)
		}
		if _, err := reg.Select([]string{"nope"}); err == nil {
			t.Fatal("unknown scope accepted")
		}
	})
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	mustWrite := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("export/wait_times/wdw/a.csv", "a")
	mustWrite("export/wait_times/wdw/b.csv", "bb")
	mustWrite("export/fastpass_times/wdw/c.csv", "ccc")

	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	objs, err := store.List(ctx, "export/wait_times/wdw/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}
	if objs[0].Key != "export/wait_times/wdw/a.csv" {
		t.Errorf("key = %q", objs[0].Key)
	}
	if objs[1].Size != 2 {
		t.Errorf("size = %d", objs[1].Size)
	}
	if objs[0].Marker() == "" {
		t.Error("empty marker")
	}

	rc, err := store.Open(ctx, objs[0].Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "a" {
		t.Fatalf("read = %q, %v", data, err)
	}

	missing, err := store.List(ctx, "export/nothing/")
	if err != nil {
		t.Fatalf("List missing prefix: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing prefix returned %d objects", len(missing))
	}
}
