package fleet

import (
	"fmt"
	"path"
)

// Bucket layout for one run. Everything the controller stages or collects
// lives under runs/<run>/, next to (not inside) the artifact folder.
func runKey(run, name string) string { return path.Join("runs", run, name) }

func binaryKey(run string) string { return runKey(run, "bin/starship") }
func tasksKey(run string) string  { return runKey(run, "tasks.json") }
func reportKey(run string) string { return runKey(run, "report.json") }

// metaHelper resolves custom metadata attributes from inside an instance.
const metaHelper = `meta() {
  curl -s -f -H "Metadata-Flavor: Google" \
    "http://metadata.google.internal/computeMetadata/v1/instance/attributes/$1"
}`

// serveScript is the dispatcher's startup script. The instance pulls the
// controller's own binary from the bucket and serves the staged task list.
func serveScript(run string, o Options) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail

%s

BUCKET=$(meta bucket)

mkdir -p /opt/starship
gsutil cp "gs://${BUCKET}/%s" /opt/starship/starship
chmod +x /opt/starship/starship

exec /opt/starship/starship serve \
  -addr :%d \
  -bucket "gs://${BUCKET}" \
  -tasks "%s" \
  -max-attempts %d \
  -liveness-timeout %s \
  -sweep-interval %s
`, metaHelper, binaryKey(run), o.DispatcherPort, tasksKey(run), o.MaxAttempts, o.LivenessTimeout, o.SweepInterval)
}

// workScript is the worker's startup script. Workers resolve the dispatcher
// address and their own name from instance metadata, install ffmpeg for
// postprocessing, and run until the dispatcher reports the run complete.
func workScript(run string, o Options) string {
	keep := ""
	if o.KeepOriginal {
		keep = " \\\n  -keep-original"
	}
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail

%s

BUCKET=$(meta bucket)
SERVER=$(meta serverip)
FOLDER=$(meta folder)
NAME=$(meta iname)
ZONE=$(curl -s -f -H "Metadata-Flavor: Google" \
  "http://metadata.google.internal/computeMetadata/v1/instance/zone" | awk -F/ '{print $NF}')

export DEBIAN_FRONTEND=noninteractive
apt-get update -q
apt-get install -qy ffmpeg

mkdir -p /opt/starship
gsutil cp "gs://${BUCKET}/%s" /opt/starship/starship
chmod +x /opt/starship/starship

exec /opt/starship/starship work \
  -server "http://${SERVER}:%d" \
  -id "${NAME}" \
  -zone "${ZONE}" \
  -bucket "gs://${BUCKET}" \
  -folder "${FOLDER}" \
  -fetch-timeout %s%s
`, metaHelper, binaryKey(run), o.DispatcherPort, o.FetchTimeout, keep)
}
