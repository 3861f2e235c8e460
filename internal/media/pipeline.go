package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/bus"
	"go.uber.org/zap"
)

// BlobStore is the remote object storage contract consumed by the pipeline.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Validation failures, reported before any upload starts so a bad file
// never consumes a message slot.
var (
	ErrTooLarge    = errors.New("media: file exceeds upload limit")
	ErrUnsupported = errors.New("media: content type does not match kind")
)

// Progress is the payload of media.progress events, aggregated across a batch.
type Progress struct {
	Done    int
	Total   int
	Percent int
}

// Pipeline converts local media files into durable remote objects.
type Pipeline struct {
	blobs    BlobStore
	maxBytes int64
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewPipeline creates a pipeline with the given upload size limit.
func NewPipeline(blobs BlobStore, maxBytes int64, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{blobs: blobs, maxBytes: maxBytes, bus: b, logger: logger}
}

// DestPath derives the caller-chosen object path for an upload: scoped to
// the conversation with a monotonic suffix so paths never collide.
func DestPath(conversationID string, seq int64, localURI string) string {
	return fmt.Sprintf("conversations/%s/%d-%s%s",
		conversationID, seq, uuid.NewString(), filepath.Ext(localURI))
}

// Upload reads a local file, validates it against the limit and kind, and
// writes it to blob storage. Returns the public address.
func (p *Pipeline) Upload(ctx context.Context, localURI, destPath, kind string) (string, error) {
	data, contentType, err := p.load(localURI, kind)
	if err != nil {
		return "", err
	}
	addr, err := p.blobs.Put(ctx, destPath, data, contentType)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", destPath, err)
	}
	return addr, nil
}

// UploadBatch uploads several files for one message, publishing aggregate
// percentage progress. All files are validated up front; any validation
// failure rejects the whole batch before the first byte is uploaded.
func (p *Pipeline) UploadBatch(ctx context.Context, localURIs []string, conversationID string, seq int64, kind string) ([]string, error) {
	for _, uri := range localURIs {
		if _, _, err := p.load(uri, kind); err != nil {
			return nil, err
		}
	}

	addrs := make([]string, 0, len(localURIs))
	for i, uri := range localURIs {
		addr, err := p.Upload(ctx, uri, DestPath(conversationID, seq+int64(i), uri), kind)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
		if p.bus != nil {
			p.bus.Publish(bus.Now("media.progress", Progress{
				Done:    i + 1,
				Total:   len(localURIs),
				Percent: (i + 1) * 100 / len(localURIs),
			}))
		}
	}
	return addrs, nil
}

func (p *Pipeline) load(localURI, kind string) ([]byte, string, error) {
	info, err := os.Stat(localURI)
	if err != nil {
		return nil, "", fmt.Errorf("stat media: %w", err)
	}
	if info.Size() > p.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(localURI)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	contentType := http.DetectContentType(data)
	if !kindMatches(kind, contentType) {
		return nil, "", fmt.Errorf("%w: %s is %s", ErrUnsupported, kind, contentType)
	}
	return data, contentType, nil
}

func kindMatches(kind, contentType string) bool {
	switch kind {
	case "image":
		return strings.HasPrefix(contentType, "image/")
	case "audio":
		// Opus/Vorbis containers sniff as ogg or webm.
		return strings.HasPrefix(contentType, "audio/") ||
			contentType == "application/ogg" ||
			contentType == "video/webm"
	default:
		return false
	}
}
