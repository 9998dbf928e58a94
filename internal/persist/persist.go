// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	createTableSql = []string{
		// The gmail_messages table holds one normalized row per
		// indexed message.
		//
		// Field: message_id
		//
		//   GMail API: Users.messages resource "id" field, returned
		//   by Users.messages.list and Users.messages.get (for all
		//   formats).  Re-indexing a message overwrites its row.
		//
		// Field: thread_id
		//
		//   GMail API: Users.messages resource "threadId" field.
		//
		// Field: history_id, size_estimate
		//
		//   GMail API: Users.messages resource "historyId" and
		//   "sizeEstimate" fields as of the last fetch.
		//
		// Field: sender, recipient, subject
		//
		//   Raw values of the From, To and Subject headers.  Empty
		//   when the header is absent.
		//
		// Field: received_at
		//
		//   GMail API: Users.messages resource "internalDate",
		//   converted to seconds since the epoch.
		`
CREATE TABLE IF NOT EXISTS gmail_messages (
message_id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
history_id INTEGER,
size_estimate INTEGER,
sender TEXT NOT NULL DEFAULT '',
recipient TEXT NOT NULL DEFAULT '',
subject TEXT NOT NULL DEFAULT '',
snippet TEXT NOT NULL DEFAULT '',
body TEXT NOT NULL DEFAULT '',
received_at INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS gmail_messages_received_at ON gmail_messages (received_at, message_id);`,
		`CREATE INDEX IF NOT EXISTS gmail_messages_sender ON gmail_messages (sender);`,
		// The gmail_labels table maps label IDs to display name and
		// type.  It is replaced wholesale on each index run.
		//
		// Field: type
		//
		//   GMail API: Users.labels resource "type"
		//   Valid values are "system" or "user".
		`
CREATE TABLE IF NOT EXISTS gmail_labels (
label_id TEXT NOT NULL PRIMARY KEY,
display_name TEXT NOT NULL,
type TEXT NOT NULL
);`,
		// The gmail_message_labels table maps messages to labels.
		`
CREATE TABLE IF NOT EXISTS gmail_message_labels (
message_id TEXT NOT NULL,
label_id TEXT NOT NULL,
PRIMARY KEY (message_id, label_id),
FOREIGN KEY (message_id) REFERENCES gmail_messages (message_id)
);`,
		// The gmail_history_id table holds the GMail history ID
		// observed at the end of each successful index run.  The
		// highest ID is the latest.
		`
CREATE TABLE IF NOT EXISTS gmail_history_id (
history_id INTEGER NOT NULL,
PRIMARY KEY (history_id)
);`,
	}
)

// ErrHistoryDecreased is returned when recording a history ID lower
// than the latest one on file.
var ErrHistoryDecreased = errors.New("attempt to decrease the latest history_id")

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if needed) the SQLite database at path.  The
// caller must import a driver registered as "sqlite3".
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"1"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debugw("opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) error {
	for _, sql := range createTableSql {
		log.Debugw("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}
