package migrations

import "embed"

// FS exposes the migration sources so goose can resolve versions without
// depending on the working directory.
//
//go:embed *.go
var FS embed.FS
