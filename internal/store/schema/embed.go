// Package schema carries the database schema. It is idempotent and safe to
// apply on every deploy.
package schema

import _ "embed"

//go:embed schema.sql
var SQL string
