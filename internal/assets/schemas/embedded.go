// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// BackupConfigSchema is the embedded backup-config JSON schema.
//
//go:embed backup-config.schema.json
var BackupConfigSchema []byte
