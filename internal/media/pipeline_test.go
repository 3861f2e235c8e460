package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

// fakeBlobs records puts and returns deterministic addresses.
type fakeBlobs struct {
	puts []string
	err  error
}

func (f *fakeBlobs) Put(_ context.Context, path string, _ []byte, _ string) (string, error) {
	f.puts = append(f.puts, path)
	if f.err != nil {
		return "", f.err
	}
	return "https://blobs.example/" + path, nil
}

// pngHeader is enough for http.DetectContentType to sniff image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadImage(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs, 1<<20, bus.New(), nil)

	local := writeTemp(t, "photo.png", pngHeader)
	addr, err := p.Upload(context.Background(), local, "conversations/c1/1-x.png", "image")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(addr, "https://blobs.example/") {
		t.Errorf("addr = %q", addr)
	}
}

func TestUploadRejectsOversized(t *testing.T) {
	p := NewPipeline(&fakeBlobs{}, 4, bus.New(), nil)

	local := writeTemp(t, "big.png", pngHeader)
	_, err := p.Upload(context.Background(), local, "dest", "image")
	if err == nil || !strings.Contains(err.Error(), "exceeds upload limit") {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestUploadRejectsKindMismatch(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs, 1<<20, bus.New(), nil)

	local := writeTemp(t, "notaudio.png", pngHeader)
	_, err := p.Upload(context.Background(), local, "dest", "audio")
	if err == nil {
		t.Fatal("expected kind mismatch error")
	}
	if len(blobs.puts) != 0 {
		t.Error("rejected file must not reach blob storage")
	}
}

func TestUploadBatchProgress(t *testing.T) {
	blobs := &fakeBlobs{}
	b := bus.New()
	p := NewPipeline(blobs, 1<<20, b, nil)

	ch, unsub := b.Subscribe("media.progress", 10)
	defer unsub()

	uris := []string{
		writeTemp(t, "a.png", pngHeader),
		writeTemp(t, "b.png", pngHeader),
	}
	addrs, err := p.UploadBatch(context.Background(), uris, "c1", 7, "image")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addrs, want 2", len(addrs))
	}

	wantPercents := []int{50, 100}
	for _, want := range wantPercents {
		select {
		case evt := <-ch:
			prog := evt.Payload.(Progress)
			if prog.Percent != want {
				t.Errorf("percent = %d, want %d", prog.Percent, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %d%% progress", want)
		}
	}
}

func TestUploadBatchValidatesBeforeUploading(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs, 1<<20, bus.New(), nil)

	uris := []string{
		writeTemp(t, "ok.png", pngHeader),
		writeTemp(t, "bad.txt", []byte("plain text, not an image")),
	}
	if _, err := p.UploadBatch(context.Background(), uris, "c1", 1, "image"); err == nil {
		t.Fatal("expected validation error")
	}
	if len(blobs.puts) != 0 {
		t.Errorf("uploaded %d files despite invalid batch member", len(blobs.puts))
	}
}

func TestDestPathScopedToConversation(t *testing.T) {
	p1 := DestPath("c1", 1, "/tmp/a.png")
	p2 := DestPath("c1", 2, "/tmp/a.png")
	if !strings.HasPrefix(p1, "conversations/c1/1-") || !strings.HasSuffix(p1, ".png") {
		t.Errorf("path = %q", p1)
	}
	if p1 == p2 {
		t.Error("paths for different sequence numbers must differ")
	}
}
