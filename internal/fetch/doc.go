// Package fetch downloads one task's media and stores the artifacts.
//
// This package handles:
//   - Driving yt-dlp with per-task format, args, and output template
//   - Optional ffmpeg post-processing of the downloaded file
//   - Uploading the artifact set with a trailing completion marker
//   - Classifying failures into retryable and permanent kinds
//
// # Artifact layout
//
// Every task's files land under <folder>/<output>/ in the bucket, with
// meta.json written last. The marker doubles as the skip check: a task whose
// meta.json exists is already done, and Fetch returns ErrExists instead of
// downloading again. Partial sets from a worker that died mid-upload carry
// no marker and are re-fetched.
//
// # Failure kinds
//
// Classify maps yt-dlp output to a Kind. NotFound and RegionBlocked are
// permanent: the agent reports those as skips. Network and Unknown are worth
// another attempt and are reported as failures, which sends the task back to
// the queue until its attempt budget runs out.
package fetch
