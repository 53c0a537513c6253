package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core/forum"
)

// LegacyTable is the single table older versions of the forum kept everything in.
const LegacyTable = "questions"

// columns added to the legacy table over time, in the order they appeared
var legacyUpgrades = []struct {
	name string
	def  string
}{
	{"username", "TEXT DEFAULT 'anonymous'"},
	{"answer", "TEXT"},
	{"answer_image", "BLOB"},
	{"status", "TEXT DEFAULT '未回答'"},
	{"student_reply", "TEXT"},
	{"auth_key", "TEXT"},
}

// UpgradeLegacy adds the columns a legacy `questions` table may be missing. Running it again changes nothing.
// It returns the names of the columns that were added.
func UpgradeLegacy(ctx context.Context, db *sqlx.DB) ([]string, error) {
	cols, err := Columns(ctx, db, LegacyTable)
	if err != nil {
		return nil, err
	}

	added := make([]string, 0)
	for _, up := range legacyUpgrades {
		if hasColumn(cols, up.name) {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", LegacyTable, up.name, up.def)
		if _, err = db.ExecContext(ctx, q); err != nil {
			return added, errors.Wrapf(err, "adding column %s", up.name)
		}
		added = append(added, up.name)
	}
	return added, nil
}

// ReadLegacy loads every row of an upgraded legacy table.
func ReadLegacy(ctx context.Context, db *sqlx.DB) ([]forum.LegacyRecord, error) {
	var recs []forum.LegacyRecord
	q := `
		SELECT id, COALESCE(title, '') AS title, COALESCE(question, '') AS question, image,
			COALESCE("timestamp", '') AS "timestamp", COALESCE(deleted, 0) AS deleted,
			COALESCE(username, '') AS username, COALESCE(auth_key, '') AS auth_key,
			COALESCE(answer, '') AS answer, answer_image, COALESCE(student_reply, '') AS student_reply
		FROM questions
		ORDER BY id`
	if err := db.SelectContext(ctx, &recs, q); err != nil {
		return nil, errors.Wrap(err, "reading legacy rows")
	}
	return recs, nil
}

// SampleRecords is the demo thread a freshly reset database starts with.
func SampleRecords() []forum.LegacyRecord {
	return []forum.LegacyRecord{{
		ID:           1,
		Title:        "テスト質問",
		Question:     "これはテストメッセージです",
		Timestamp:    "2025-03-04 17:00:00",
		Username:     forum.DefaultPoster,
		Answer:       "サンプル回答",
		StudentReply: "サンプル返信",
	}}
}
