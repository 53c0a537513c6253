package main

import (
	"context"

	"github.com/pressly/goose/v3"

	"github.com/syuukuriimu/student-forum/storage/database"
)

var gooseRunFunc = goose.Run // mockable

func (cli *commandLine) migrate(args []string) error {
	if !cli.store.IsRelational() {
		return errNotRelational
	}
	dir, err := database.PrepareMigrations(cli.conf.Database.Engine)
	if err != nil {
		return err
	}
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.store.SQL.DB, dir, arguments...)
}

// resetDB recreates the schema and seeds the sample thread.
func (cli *commandLine) resetDB(ctx context.Context) error {
	if !cli.store.IsRelational() {
		return errNotRelational
	}
	if err := database.Reset(cli.store.SQL, cli.conf.Database.Engine); err != nil {
		return err
	}
	report, err := cli.svc.ImportLegacy(ctx, database.SampleRecords())
	if err != nil {
		return err
	}
	cli.printf("database reset: %d sample thread(s), %d message(s)\n", report.Threads, report.Messages)
	return nil
}

func (cli *commandLine) columns(ctx context.Context, table string) error {
	if !cli.store.IsRelational() {
		return errNotRelational
	}
	cols, err := database.Columns(ctx, cli.store.SQL, table)
	if err != nil {
		return err
	}
	cli.printf("columns of %s:\n", table)
	for _, c := range cols {
		cli.printf("  %s\n", c)
	}
	return nil
}
