package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/storage/database"
)

func (cli *commandLine) printf(format string, args ...interface{}) {
	fmt.Fprintf(cli.out, format, args...)
}

func (cli *commandLine) setKey(ctx context.Context, title, key string) error {
	if err := cli.svc.ResetAccessKey(ctx, title, key); err != nil {
		return err
	}
	if key == "" {
		cli.printf("access key of %q removed\n", title)
	} else {
		cli.printf("access key of %q updated\n", title)
	}
	return nil
}

func (cli *commandLine) purge(ctx context.Context) error {
	n, err := cli.svc.PurgeLeftovers(ctx)
	if err != nil {
		return err
	}
	cli.printf("purged %d thread(s)\n", n)
	return nil
}

// importLegacy upgrades a legacy questions file in place, then copies its rows into the forum.
func (cli *commandLine) importLegacy(ctx context.Context, path string) error {
	// opening a missing file would create an empty database
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("legacy file %s does not exist", path)
		}
		return errors.Wrapf(err, "checking %s", path)
	}
	if fi.IsDir() {
		return errors.Errorf("legacy file %s is a directory", path)
	}

	db, err := database.OpenSQLite(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer db.Close()

	added, err := database.UpgradeLegacy(ctx, db)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		cli.printf("added legacy columns: %s\n", strings.Join(added, ", "))
	}

	records, err := database.ReadLegacy(ctx, db)
	if err != nil {
		return err
	}
	report, err := cli.svc.ImportLegacy(ctx, records)
	if err != nil {
		return err
	}
	cli.printf("imported %d thread(s), %d message(s)\n", report.Threads, report.Messages)
	for _, title := range report.Skipped {
		cli.printf("  skipped %q: title already exists\n", title)
	}
	return nil
}
