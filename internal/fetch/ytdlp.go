package fetch

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// DefaultFormat is the selector used when neither the task nor the options
// name one. Audio-first, falling back to the best combined stream.
const DefaultFormat = "bestaudio/best"

// Options configure the yt-dlp fetcher.
type Options struct {
	// Format is the yt-dlp format selector for tasks that carry none.
	// Defaults to DefaultFormat.
	Format string

	// TempDir is where per-task scratch directories are created. Empty
	// means the system temp dir.
	TempDir string

	// KeepOriginal skips a task's post-processing step and stores the
	// download as-is.
	KeepOriginal bool

	// ProgressInterval throttles progress logging. Defaults to 5 seconds.
	ProgressInterval time.Duration
}

// DefaultOptions returns the default fetcher options.
func DefaultOptions() Options {
	return Options{
		Format:           DefaultFormat,
		ProgressInterval: 5 * time.Second,
	}
}

// YTDLP fetches tasks with the yt-dlp binary and stores the produced files
// through an Artifacts sink.
type YTDLP struct {
	artifacts *Artifacts
	opts      Options
}

// NewYTDLP builds a fetcher. Zero option fields fall back to their defaults.
func NewYTDLP(artifacts *Artifacts, opts Options) *YTDLP {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultOptions().ProgressInterval
	}
	return &YTDLP{artifacts: artifacts, opts: opts}
}

// EnsureInstalled downloads a yt-dlp binary if none is available. Workers
// call this once at startup so fresh instances need no pre-baked tooling.
func EnsureInstalled(ctx context.Context) error {
	if _, err := ytdlp.Install(ctx, nil); err != nil {
		return fmt.Errorf("install yt-dlp: %w", err)
	}
	return nil
}

// Fetch downloads one task into a scratch directory, runs its optional
// post-processing step, and uploads the artifact set. The scratch directory
// is removed on every path; only the bucket holds results.
//
// A task whose completion marker already exists returns ErrExists without
// touching the network.
func (y *YTDLP) Fetch(ctx context.Context, t task.Task) (*Result, error) {
	ok, err := y.artifacts.Exists(ctx, t.Output)
	if err != nil {
		return nil, fmt.Errorf("skip check: %w", err)
	}
	if ok {
		return nil, ErrExists
	}

	dir, err := os.MkdirTemp(y.opts.TempDir, "starship-"+t.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	format := t.Format
	if format == "" {
		format = y.opts.Format
	}

	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Format(format).
		WriteInfoJSON().
		WriteSubs().
		WriteAutoSubs().
		WriteDescription().
		WriteThumbnail().
		Output(filepath.Join(dir, "%(id)s.%(ext)s"))

	dl.ProgressFunc(y.opts.ProgressInterval, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes > 0 {
			log.Printf("[fetch] %s %3.0f%%", t.ID,
				float64(update.DownloadedBytes)/float64(update.TotalBytes)*100)
		}
	})

	// Per-task args ride along as extra yt-dlp flags.
	args := append(append([]string{}, t.Args...), t.URL)
	res, err := dl.Run(ctx, args...)
	if err != nil {
		return nil, Classify(err, stderrOf(res))
	}

	if t.Postprocess != "" && !y.opts.KeepOriginal {
		if err := y.postprocess(ctx, dir, res, t); err != nil {
			return nil, err
		}
	}

	return y.artifacts.Store(ctx, t.Output, dir, Meta{
		URL:    t.URL,
		Worker: t.Worker,
		Format: format,
	})
}

// postprocess runs the task's ffmpeg step in the scratch directory. The step
// is the argument tail of "ffmpeg -i <input> ...", split on whitespace; when
// the task names a post-process output, the original download is dropped and
// only the processed file ships.
func (y *YTDLP) postprocess(ctx context.Context, dir string, res *ytdlp.Result, t task.Task) error {
	input, err := downloadedFile(res)
	if err != nil {
		return &Error{Kind: KindUnknown, Err: err}
	}

	args := append([]string{"-y", "-i", filepath.Base(input)}, strings.Fields(t.Postprocess)...)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("ffmpeg %v: %v: %s", args, err, tail(out))}
	}

	if t.PostprocessOutput != "" {
		if err := os.Remove(filepath.Join(dir, filepath.Base(input))); err != nil {
			return &Error{Kind: KindUnknown, Err: fmt.Errorf("drop original: %w", err)}
		}
	}
	return nil
}

// downloadedFile returns the media file yt-dlp reported producing.
func downloadedFile(res *ytdlp.Result) (string, error) {
	if res == nil {
		return "", fmt.Errorf("no yt-dlp result")
	}
	info, err := res.GetExtractedInfo()
	if err != nil {
		return "", fmt.Errorf("extract info: %w", err)
	}
	for _, i := range info {
		if i.Filename != nil && *i.Filename != "" {
			return *i.Filename, nil
		}
	}
	return "", fmt.Errorf("yt-dlp reported no output filename")
}

func stderrOf(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}

// tail keeps the end of command output for error messages.
func tail(out []byte) string {
	const keep = 400
	s := strings.TrimSpace(string(out))
	if len(s) <= keep {
		return s
	}
	return "..." + s[len(s)-keep:]
}
