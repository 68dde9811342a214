package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ofprobe/ofprobe/pkg/config"
)

func newLocalTestBackend(t *testing.T, dir string) *RcloneBackend {
	t.Helper()
	b, err := NewRcloneBackend("test_local", "local", dir, map[string]string{})
	if err != nil {
		t.Fatalf("Failed to create test backend: %v", err)
	}
	return b
}

func populateTestDir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "runs", "r1"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"runs/r1/events.jsonl.zst", []byte("compressed log")},
		{"runs/r1/report.json", []byte(`{"complete":true}`)},
		{"README", []byte("archive root")},
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.content, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ---- Registry tests ----

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	b := newLocalTestBackend(t, t.TempDir())

	if err := reg.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(b); err == nil {
		t.Error("expected error registering duplicate name")
	}

	got, err := reg.Get("test_local")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "test_local" || got.Type() != "local" {
		t.Errorf("Get returned %s/%s", got.Name(), got.Type())
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "test_local" {
		t.Errorf("Names() = %v", names)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Error("Close should empty the registry")
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	reg, err := FromConfig([]config.BackendConfig{
		{Name: "lab", Type: "local", Config: map[string]string{RootKey: dir}},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer reg.Close()

	b, err := reg.Get("lab")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(context.Background(), "x/y.txt", bytes.NewReader([]byte("hi")), 2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "x", "y.txt")); err != nil || string(data) != "hi" {
		t.Errorf("file under root = %q, %v", data, err)
	}
}

func TestFromConfig_UnknownType(t *testing.T) {
	_, err := FromConfig([]config.BackendConfig{{Name: "x", Type: "no-such-backend"}})
	if err == nil {
		t.Fatal("expected error for unknown backend type")
	}
}

func TestRcloneBackend_List(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)

	entries, err := b.List(context.Background(), "runs/r1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := map[string]int64{}
	for _, e := range entries {
		found[e.Path] = e.Size
	}
	if found["events.jsonl.zst"] != int64(len("compressed log")) {
		t.Errorf("List entries = %v", entries)
	}
	if _, ok := found["report.json"]; !ok {
		t.Errorf("report.json missing from %v", entries)
	}

	root, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List root: %v", err)
	}
	var sawDir bool
	for _, e := range root {
		if e.Path == "runs" && e.IsDir {
			sawDir = true
		}
	}
	if !sawDir {
		t.Errorf("expected runs directory in %v", root)
	}

	if _, err := b.List(context.Background(), "runs/none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("List missing dir err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_Stat(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	b := newLocalTestBackend(t, dir)

	info, err := b.Stat(context.Background(), "runs/r1/report.json")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len(`{"complete":true}`)) {
		t.Errorf("Size = %d", info.Size)
	}
	if info.IsDir {
		t.Error("object reported as directory")
	}

	if _, err := b.Stat(context.Background(), "runs/r1/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat missing err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_WriteOpenDelete(t *testing.T) {
	b := newLocalTestBackend(t, t.TempDir())
	ctx := context.Background()
	payload := bytes.Repeat([]byte("ofprobe"), 1000)

	if err := b.Write(ctx, "runs/r2/report.json", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rc, err := b.Open(ctx, "runs/r2/report.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("content mismatch after round trip")
	}

	if err := b.Delete(ctx, "runs/r2/report.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Open(ctx, "runs/r2/report.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete err = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "runs/r2/report.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing err = %v, want ErrNotFound", err)
	}
}

func TestRcloneBackend_ConcurrentWrites(t *testing.T) {
	b := newLocalTestBackend(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := []byte{byte(i)}
			errs <- b.Write(ctx, filepath.Join("runs", "r3", string(rune('a'+i))), bytes.NewReader(data), 1)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}

	entries, err := b.List(ctx, "runs/r3")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 8 {
		t.Errorf("got %d entries, want 8", len(entries))
	}
}
