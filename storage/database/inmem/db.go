package inmemdb

import (
	"sync"

	"github.com/syuukuriimu/student-forum/core/forum"
)

type (
	DB struct {
		forum *forumTables
	}

	forumTables struct {
		sync.RWMutex
		threads  map[string]*forum.Thread
		messages map[string]*forum.Message
		byTitle  map[string][]string // title -> message ids, insertion order
	}
)

func Open() *DB {
	return &DB{
		forum: &forumTables{
			threads:  make(map[string]*forum.Thread),
			messages: make(map[string]*forum.Message),
			byTitle:  make(map[string][]string),
		},
	}
}
