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
	"sort"
	"strings"
	"time"

	"github.com/matta/gmailrules/internal/message"

	"github.com/pkg/errors"
)

// UpsertMessage writes rec, replacing any existing row and label set
// for the same message ID.
func (tx *Tx) UpsertMessage(ctx context.Context, rec *message.Record) error {
	if rec.PermID == "" {
		return errors.New("UpsertMessage: record has no message ID")
	}
	sql := `
INSERT INTO gmail_messages
	(message_id, thread_id, history_id, size_estimate,
	 sender, recipient, subject, snippet, body, received_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (message_id) DO UPDATE SET
	(thread_id, history_id, size_estimate,
	 sender, recipient, subject, snippet, body, received_at) =
	($2, $3, $4, $5, $6, $7, $8, $9, $10)`
	upsert, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for messages upsert")
	}
	defer upsert.Close()

	if _, err = upsert.ExecContext(ctx, rec.PermID, rec.ThreadID,
		orderedToSigned(rec.HistoryID), rec.SizeEstimate,
		rec.Sender, rec.Recipient, rec.Subject, rec.Snippet, rec.Body,
		rec.ReceivedAt.Unix()); err != nil {
		return errors.Wrapf(err, "db upsert failed for message %v", rec.PermID)
	}
	return tx.ReplaceLabels(ctx, rec.PermID, rec.LabelIDs)
}

// ReplaceLabels sets the label set of message id to exactly labels.
func (tx *Tx) ReplaceLabels(ctx context.Context, id string, labels []string) error {
	sql := `DELETE FROM gmail_message_labels WHERE message_id = $1`
	unlabel, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for unlabel")
	}
	defer unlabel.Close()

	sql = `INSERT OR IGNORE INTO gmail_message_labels (message_id, label_id) values ($1, $2)`
	label, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for label")
	}
	defer label.Close()

	if _, err = unlabel.ExecContext(ctx, id); err != nil {
		return errors.Wrap(err, "ReplaceLabels")
	}
	for _, labelID := range labels {
		if _, err = label.ExecContext(ctx, id, labelID); err != nil {
			return errors.Wrap(err, "ReplaceLabels")
		}
	}
	return nil
}

// ApplyModification updates the stored label sets of ids to reflect
// mod having been applied by the mail provider.
func (tx *Tx) ApplyModification(ctx context.Context, ids []string, mod message.Modification) error {
	sql := `SELECT label_id FROM gmail_message_labels WHERE message_id = $1`
	query, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for labels")
	}
	defer query.Close()

	for _, id := range ids {
		labels, err := scanLabels(ctx, query, id)
		if err != nil {
			return err
		}
		if err := tx.ReplaceLabels(ctx, id, mod.Apply(labels)); err != nil {
			return errors.Wrapf(err, "updating labels of %v", id)
		}
	}
	return nil
}

func scanLabels(ctx context.Context, query *sql.Stmt, id string) ([]string, error) {
	rows, err := query.QueryContext(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "db query failed for labels of %v", id)
	}
	defer rows.Close()
	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, errors.Wrapf(err, "db scan failed for labels of %v", id)
		}
		labels = append(labels, l)
	}
	return labels, errors.Wrap(rows.Err(), "scanLabels")
}

// maxQueryIDs bounds the ids bound into one IN clause, well below
// SQLite's host parameter limit.
const maxQueryIDs = 500

// KnownMessageIDs returns the subset of ids already stored.
func (tx *Tx) KnownMessageIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for len(ids) > 0 {
		n := len(ids)
		if n > maxQueryIDs {
			n = maxQueryIDs
		}
		if err := tx.knownMessageIDs(ctx, ids[:n], known); err != nil {
			return nil, err
		}
		ids = ids[n:]
	}
	return known, nil
}

func (tx *Tx) knownMessageIDs(ctx context.Context, ids []string, known map[string]bool) error {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT message_id FROM gmail_messages WHERE message_id IN (` +
		strings.Join(placeholders, ", ") + `)`
	rows, err := tx.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "db query failed in KnownMessageIDs")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return errors.Wrap(err, "db scan failed in KnownMessageIDs")
		}
		known[id] = true
	}
	return errors.Wrap(rows.Err(), "KnownMessageIDs")
}

// CountMessages returns the number of stored messages.
func (tx *Tx) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM gmail_messages`).Scan(&n)
	return n, errors.Wrap(err, "CountMessages")
}

func (tx *Tx) messageLabels(ctx context.Context) (map[string][]string, error) {
	const q = `SELECT message_id, label_id FROM gmail_message_labels ORDER BY message_id, label_id`
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed for message labels")
	}
	defer rows.Close()

	labels := make(map[string][]string)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, errors.Wrap(err, "db scan failed for message labels")
		}
		labels[id] = append(labels[id], label)
	}
	return labels, errors.Wrap(rows.Err(), "message labels")
}

// ListMessages calls handler for every stored message, oldest first
// with ties broken by message ID.
func (tx *Tx) ListMessages(ctx context.Context, handler func(*message.Record) error) error {
	labels, err := tx.messageLabels(ctx)
	if err != nil {
		return err
	}

	const q = `
SELECT message_id, thread_id, history_id, size_estimate,
	sender, recipient, subject, snippet, body, received_at
FROM gmail_messages
ORDER BY received_at, message_id
`
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListMessages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        message.Record
			historyID  sql.NullInt64
			size       sql.NullInt64
			receivedAt int64
		)
		if err := rows.Scan(&rec.PermID, &rec.ThreadID, &historyID, &size,
			&rec.Sender, &rec.Recipient, &rec.Subject, &rec.Snippet, &rec.Body,
			&receivedAt); err != nil {
			return errors.Wrap(err, "db scan failed in ListMessages")
		}
		if historyID.Valid {
			rec.HistoryID = orderedToUnsigned(historyID.Int64)
		}
		rec.SizeEstimate = size.Int64
		rec.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		rec.LabelIDs = labels[rec.PermID]
		if err := handler(&rec); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "ListMessages")
}

// ReplaceLabelCatalog replaces the stored label catalogue.
func (tx *Tx) ReplaceLabelCatalog(ctx context.Context, labels []message.Label) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM gmail_labels`); err != nil {
		return errors.Wrap(err, "clearing gmail_labels")
	}
	sql := `INSERT OR REPLACE INTO gmail_labels (label_id, display_name, type) values ($1, $2, $3)`
	insert, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for label catalog")
	}
	defer insert.Close()
	for _, l := range labels {
		if _, err := insert.ExecContext(ctx, l.ID, l.Name, l.Type); err != nil {
			return errors.Wrapf(err, "inserting label %v", l.ID)
		}
	}
	return nil
}

// LabelCatalog returns the stored label catalogue sorted by ID.
func (tx *Tx) LabelCatalog(ctx context.Context) ([]message.Label, error) {
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT label_id, display_name, type FROM gmail_labels`)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in LabelCatalog")
	}
	defer rows.Close()

	var labels []message.Label
	for rows.Next() {
		var l message.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Type); err != nil {
			return nil, errors.Wrap(err, "db scan failed in LabelCatalog")
		}
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].ID < labels[j].ID })
	return labels, errors.Wrap(rows.Err(), "LabelCatalog")
}
