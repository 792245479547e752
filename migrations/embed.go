// Package migrations embeds the SQL migration files into the binary so the
// run history schema can be applied without the files on disk.
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package migrations

import "embed"

// FS holds every *.sql file in this directory, at the root of the FS.
//
//go:embed *.sql
var FS embed.FS
