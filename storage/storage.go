package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage/database"
	inmemdb "github.com/syuukuriimu/student-forum/storage/database/inmem"
	sqlxrepos "github.com/syuukuriimu/student-forum/storage/database/sqlx"
	mongorepos "github.com/syuukuriimu/student-forum/storage/document/mongo"
)

// Store is the forum repository of the configured engine.
type Store struct {
	Forum forum.Repository
	SQL   *sqlx.DB // nil unless the engine is relational
	close func(ctx context.Context) error
}

func (s *Store) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// IsRelational reports whether migrations and raw SQL are available.
func (s *Store) IsRelational() bool {
	return s.SQL != nil
}

// Open connects to conf.Database.Engine. Relational databases are migrated when `migrate` is set.
func Open(ctx context.Context, conf *core.Config, migrate bool) (*Store, error) {
	switch conf.Database.Engine {
	case core.EngineSQLite, core.EnginePostgres:
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}
		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err = database.Migrate(db, conf.Database.Engine); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &Store{
			Forum: sqlxrepos.NewForumRepository(db),
			SQL:   db,
			close: func(context.Context) error { return db.Close() },
		}, nil

	case core.EngineMongo:
		db, err := mongorepos.Open(ctx, conf)
		if err != nil {
			return nil, err
		}
		return &Store{
			Forum: mongorepos.NewForumRepository(db),
			close: func(ctx context.Context) error { return db.Client().Disconnect(ctx) },
		}, nil

	case core.EngineMemory:
		return &Store{Forum: inmemdb.NewForumRepository(inmemdb.Open())}, nil
	}
	return nil, errors.Errorf("unknown database engine %q", conf.Database.Engine)
}
