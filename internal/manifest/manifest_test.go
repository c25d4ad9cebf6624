package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/kolibri/internal/blackbox"
)

func TestBuildDetectsTypes(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"LOG00001.dat":  append(blackbox.MagicBytes(), make([]byte, 300)...),
		"summary.json":  []byte(`{"ok":true}`),
		"traffic.jsonl": []byte("{}\n"),
		"notes.txt":     []byte("hello"),
		"short.kbb":     []byte("x"),
	}
	want := map[string]string{
		"LOG00001.dat":  TypeBlackbox,
		"summary.json":  TypeJSON,
		"traffic.jsonl": TypeTraffic,
		"notes.txt":     TypeOther,
		"short.kbb":     TypeBlackbox,
	}
	var paths []string
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		paths = append(paths, p)
	}
	m, err := Build(paths)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(m.Items) != len(files) || m.ShaAlgo != "sha256" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	for _, it := range m.Items {
		name := filepath.Base(it.Path)
		if it.Type != want[name] {
			t.Fatalf("%s: type %q want %q", name, it.Type, want[name])
		}
		if it.Size != int64(len(files[name])) || len(it.Sha256) != 64 {
			t.Fatalf("%s: size %d sha %q", name, it.Size, it.Sha256)
		}
	}
}

func TestSaveLoadVerify(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.kbb")
	b := filepath.Join(dir, "b.json")
	c := filepath.Join(dir, "c.pdf")
	for _, p := range []string{a, b, c} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	m, err := Build([]string{a, b, c})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out := filepath.Join(dir, "out", "manifest.json")
	if err := Save(m, out); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bad, err := Verify(loaded, ""); err != nil || len(bad) != 0 {
		t.Fatalf("fresh manifest should verify: %v %v", bad, err)
	}

	if err := os.WriteFile(a, []byte("A.kbb"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.WriteFile(b, []byte("longer content"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Remove(c); err != nil {
		t.Fatalf("remove: %v", err)
	}
	bad, err := Verify(loaded, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	reasons := map[string]string{}
	for _, mm := range bad {
		reasons[filepath.Base(mm.Path)] = mm.Reason
	}
	if reasons["a.kbb"] != "sha256 differs" || reasons["c.pdf"] != "missing" || reasons["b.json"] == "" {
		t.Fatalf("unexpected mismatches %v", reasons)
	}
}
