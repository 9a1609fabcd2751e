package sql

import _ "embed"

// Schema is the full database schema, applied on init. Statements are
// idempotent so re-running it is safe.
//
//go:embed schema.sql
var Schema string
