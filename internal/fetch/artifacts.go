package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"gocloud.dev/blob"
)

// metaObject marks a task's artifact set as complete. It is written after
// every other file, so its presence means the whole set arrived.
const metaObject = "meta.json"

// Meta is the completion record stored alongside a task's artifacts.
type Meta struct {
	URL       string    `json:"url"`
	Output    string    `json:"output_path"`
	Worker    string    `json:"worker,omitempty"`
	Format    string    `json:"format,omitempty"`
	Files     []string  `json:"files"`
	Bytes     int64     `json:"bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Artifacts stores fetch output in a bucket under a fixed folder. Each task
// gets the prefix <folder>/<output>/, with meta.json as its completion
// marker.
type Artifacts struct {
	bucket *blob.Bucket
	folder string
}

// NewArtifacts wraps a bucket. folder is the top-level prefix all artifacts
// live under, "audio" by convention.
func NewArtifacts(bucket *blob.Bucket, folder string) *Artifacts {
	return &Artifacts{bucket: bucket, folder: folder}
}

// Prefix returns the object prefix for one task's artifacts.
func (a *Artifacts) Prefix(output string) string {
	return path.Join(a.folder, output) + "/"
}

// Exists reports whether a task's artifacts are already complete, by probing
// for the completion marker. Partial uploads from a died worker do not count.
func (a *Artifacts) Exists(ctx context.Context, output string) (bool, error) {
	ok, err := a.bucket.Exists(ctx, a.Prefix(output)+metaObject)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", a.Prefix(output)+metaObject, err)
	}
	return ok, nil
}

// Store uploads every regular file in dir under the task's prefix, then
// writes the completion marker. The marker goes last: a reader that sees
// meta.json can trust the files it names.
func (a *Artifacts) Store(ctx context.Context, output, dir string, meta Meta) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fetch dir: %w", err)
	}

	prefix := a.Prefix(output)
	var names []string
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == metaObject {
			continue
		}
		n, err := a.uploadFile(ctx, prefix+entry.Name(), filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
		total += n
	}
	sort.Strings(names)

	meta.Output = output
	meta.Files = names
	meta.Bytes = total
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := a.bucket.WriteAll(ctx, prefix+metaObject, data, nil); err != nil {
		return nil, fmt.Errorf("write %s: %w", prefix+metaObject, err)
	}

	return &Result{
		Location: prefix,
		Files:    len(names),
		Bytes:    total,
	}, nil
}

func (a *Artifacts) uploadFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w, err := a.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return n, err
	}
	return n, w.Close()
}
