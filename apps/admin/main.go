// Command admin runs maintenance tasks against the forum storage.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	cachesvc "github.com/syuukuriimu/student-forum/services/cache"
	logsvc "github.com/syuukuriimu/student-forum/services/logger"
	"github.com/syuukuriimu/student-forum/storage"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(os.Stdout, "ADMIN", conf)
	logger.Enable(!conf.Debug)

	// goose owns the schema when it is the one being run
	migrate := len(os.Args) > 1 && os.Args[1] != "migrate"

	ctx := context.Background()
	store, err := storage.Open(ctx, conf, migrate)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening %s storage: %v", conf.Database.Engine, err), err)
	}

	validate := validator.New()
	svc := forum.NewService(conf, store.Forum, cachesvc.New(conf), nil, logger, validate)

	cli := commandLine{
		conf:  conf,
		store: store,
		svc:   svc,
		out:   os.Stdout,
	}
	runErr := cli.run(os.Args)
	if err := store.Close(ctx); err != nil {
		logger.Error("closing storage", err)
	}
	if runErr != nil {
		if runErr != errHelp {
			logger.Error(fmt.Sprintf("error: %s", runErr), runErr)
		}
		os.Exit(1)
	}
}
