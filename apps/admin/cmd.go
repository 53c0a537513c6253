package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp          = errors.New("help provided")
	errNotRelational = errors.New("this command needs a relational database engine (sqlite or postgres)")
)

type commandLine struct {
	conf  *core.Config
	store *storage.Store
	svc   *forum.Service
	out   io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]            - run a goose migration command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  columns [-table NAME]             - list the columns of a table")
	fmt.Fprintln(cli.out, "  resetdb                           - drop everything, recreate the schema and add a sample thread")
	fmt.Fprintln(cli.out, "  setkey -title TITLE [-clear]      - set the access key of a thread (prompted next)")
	fmt.Fprintln(cli.out, "  purge                             - remove threads deleted by both sides but left behind")
	fmt.Fprintln(cli.out, "  importlegacy -file questions.db   - import a legacy questions database")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	columnsCmd := flag.NewFlagSet("columns", flag.ContinueOnError)
	columnsTable := columnsCmd.String("table", "messages", "The table to describe.")

	setKeyCmd := flag.NewFlagSet("setkey", flag.ContinueOnError)
	setKeyTitle := setKeyCmd.String("title", "", "The thread title. The access key will be prompted next.")
	setKeyClear := setKeyCmd.Bool("clear", false, "Remove the access key instead.")

	importCmd := flag.NewFlagSet("importlegacy", flag.ContinueOnError)
	importFile := importCmd.String("file", "", "Path to the legacy SQLite file.")

	for _, fs := range []*flag.FlagSet{columnsCmd, setKeyCmd, importCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "columns":
		if err := columnsCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.columns(ctx, *columnsTable)

	case "resetdb":
		return cli.resetDB(ctx)

	case "setkey":
		if err := setKeyCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *setKeyTitle == "" {
			setKeyCmd.Usage()
			return errHelp
		}
		if *setKeyClear {
			return cli.setKey(ctx, *setKeyTitle, "")
		}
		fmt.Fprint(cli.out, "Enter access key:")
		key, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			setKeyCmd.Usage()
			return errHelp
		}
		return cli.setKey(ctx, *setKeyTitle, string(key))

	case "purge":
		return cli.purge(ctx)

	case "importlegacy":
		if err := importCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *importFile == "" {
			importCmd.Usage()
			return errHelp
		}
		return cli.importLegacy(ctx, *importFile)

	default:
		cli.printUsage()
		return errHelp
	}
}
