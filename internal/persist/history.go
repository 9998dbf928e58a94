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
	"math"

	"github.com/pkg/errors"
)

// SQLite integers are signed; history IDs are unsigned.  Shift the
// range so that ordering is preserved.
func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

// LatestHistoryID returns the highest recorded history ID, or zero if
// none has been recorded.
func (tx *Tx) LatestHistoryID(ctx context.Context) (uint64, error) {
	const q = `SELECT history_id FROM gmail_history_id ORDER BY history_id DESC LIMIT 1`
	row := tx.tx.QueryRowContext(ctx, q)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			err = nil // a non-error
		}
		return 0, err
	}
	return orderedToUnsigned(id), nil
}

// WriteHistoryID records historyID as the latest.  Writing the current
// latest again is a no-op; writing a lower one fails with
// ErrHistoryDecreased.
func (tx *Tx) WriteHistoryID(ctx context.Context, historyID uint64) error {
	latest, err := tx.LatestHistoryID(ctx)
	if err != nil {
		return err
	}
	if historyID == latest {
		return nil
	}
	if historyID < latest {
		return errors.Wrapf(ErrHistoryDecreased, "%d < %d", historyID, latest)
	}

	sql := `INSERT INTO gmail_history_id (history_id) values ($1)`
	_, err = tx.tx.ExecContext(ctx, sql, orderedToSigned(historyID))
	if err != nil {
		return errors.Wrap(err, "db insert failed")
	}
	return nil
}
