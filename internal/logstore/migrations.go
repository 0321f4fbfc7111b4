// SPDX-License-Identifier: GPL-3.0-or-later
package logstore

import "embed"

// migrationFiles embeds the SQL migration set directly into the binary,
// the modern replacement for the teacher's go-bindata-generated
// migrations package (that generator is no longer the idiomatic choice;
// embed.FS does the same job without a codegen step).
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
