// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library validate
// documents regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// QCSpecSchema is the embedded schema for visualization configuration documents.
//
//go:embed qc-spec.schema.json
var QCSpecSchema []byte

// RunManifestSchema is the embedded schema for run manifests written by niviz.
//
//go:embed run-manifest.schema.json
var RunManifestSchema []byte
