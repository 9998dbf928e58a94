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
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/matta/gmailrules/internal/message"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDSNFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/x.db", "file:///tmp/x.db?_busy_timeout=1"},
		{"file:x.db?mode=rw", "file:x.db?_busy_timeout=1&mode=rw"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, url.Values{"_busy_timeout": {"1"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) error: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func begin(t *testing.T, db *DB) *Tx {
	t.Helper()
	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() = %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func listAll(t *testing.T, tx *Tx) []message.Record {
	t.Helper()
	var got []message.Record
	err := tx.ListMessages(context.Background(), func(rec *message.Record) error {
		got = append(got, *rec)
		return nil
	})
	if err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
	return got
}

func record(id string, received int64, labels ...string) *message.Record {
	return &message.Record{
		Header: message.Header{
			ID:           message.ID{PermID: id, ThreadID: "t-" + id},
			LabelIDs:     labels,
			SizeEstimate: 42,
			HistoryID:    7,
		},
		Sender:     "Alice <alice@example.com>",
		Recipient:  "bob@example.com",
		Subject:    "Meeting Reminder",
		Snippet:    "Don't forget",
		Body:       "Don't forget the meeting at 3 PM.",
		ReceivedAt: time.Unix(received, 0).UTC(),
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))

	first := record("m1", 1678886400, "INBOX", "UNREAD")
	if err := tx.UpsertMessage(ctx, first); err != nil {
		t.Fatalf("UpsertMessage() = %v", err)
	}
	second := record("m1", 1678886400, "INBOX")
	second.Subject = "Updated"
	if err := tx.UpsertMessage(ctx, second); err != nil {
		t.Fatalf("UpsertMessage() second time = %v", err)
	}

	n, err := tx.CountMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountMessages() = %d, want 1", n)
	}
	if diff := cmp.Diff([]message.Record{*second}, listAll(t, tx)); diff != "" {
		t.Errorf("ListMessages() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertMessageRequiresID(t *testing.T) {
	tx := begin(t, openTestDB(t))
	if err := tx.UpsertMessage(context.Background(), &message.Record{}); err == nil {
		t.Error("UpsertMessage(empty) = nil, want error")
	}
}

func TestListMessagesOrder(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))
	for _, rec := range []*message.Record{
		record("c", 300), record("b", 100), record("a", 100),
	} {
		if err := tx.UpsertMessage(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	var ids []string
	for _, rec := range listAll(t, tx) {
		ids = append(ids, rec.PermID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("ListMessages() order mismatch (-want +got):\n%s", diff)
	}
}

func TestKnownMessageIDs(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))
	if err := tx.UpsertMessage(ctx, record("m1", 1)); err != nil {
		t.Fatal(err)
	}
	got, err := tx.KnownMessageIDs(ctx, []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("KnownMessageIDs() = %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"m1": true}, got); diff != "" {
		t.Errorf("KnownMessageIDs() mismatch (-want +got):\n%s", diff)
	}
	got, err = tx.KnownMessageIDs(ctx, nil)
	if err != nil || len(got) != 0 {
		t.Errorf("KnownMessageIDs(nil) = %v, %v; want empty, nil", got, err)
	}
}

func TestKnownMessageIDsManyIDs(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))
	ids := make([]string, 40000)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%05d", i)
	}
	want := map[string]bool{}
	for _, id := range []string{ids[0], ids[maxQueryIDs], ids[len(ids)-1]} {
		if err := tx.UpsertMessage(ctx, record(id, 1)); err != nil {
			t.Fatal(err)
		}
		want[id] = true
	}
	got, err := tx.KnownMessageIDs(ctx, ids)
	if err != nil {
		t.Fatalf("KnownMessageIDs(%d ids) = %v", len(ids), err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("KnownMessageIDs() mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyModification(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))
	if err := tx.UpsertMessage(ctx, record("m1", 1, "INBOX", "UNREAD")); err != nil {
		t.Fatal(err)
	}
	mod := message.Modification{
		AddLabelIDs:    []string{"SPAM"},
		RemoveLabelIDs: []string{"INBOX", "UNREAD"},
	}
	if err := tx.ApplyModification(ctx, []string{"m1"}, mod); err != nil {
		t.Fatalf("ApplyModification() = %v", err)
	}
	got := listAll(t, tx)
	if diff := cmp.Diff([]string{"SPAM"}, got[0].LabelIDs); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestLabelCatalog(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))
	old := []message.Label{{ID: "Label_9", Name: "Gone", Type: "user"}}
	if err := tx.ReplaceLabelCatalog(ctx, old); err != nil {
		t.Fatal(err)
	}
	want := []message.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_1", Name: "Receipts", Type: "user"},
	}
	if err := tx.ReplaceLabelCatalog(ctx, []message.Label{want[1], want[0]}); err != nil {
		t.Fatal(err)
	}
	got, err := tx.LabelCatalog(ctx)
	if err != nil {
		t.Fatalf("LabelCatalog() = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LabelCatalog() mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryID(t *testing.T) {
	ctx := context.Background()
	tx := begin(t, openTestDB(t))

	if got, err := tx.LatestHistoryID(ctx); err != nil || got != 0 {
		t.Fatalf("LatestHistoryID() on empty db = %d, %v; want 0, nil", got, err)
	}
	for _, id := range []uint64{10, 10, 20} {
		if err := tx.WriteHistoryID(ctx, id); err != nil {
			t.Fatalf("WriteHistoryID(%d) = %v", id, err)
		}
	}
	if got, _ := tx.LatestHistoryID(ctx); got != 20 {
		t.Errorf("LatestHistoryID() = %d, want 20", got)
	}
	err := tx.WriteHistoryID(ctx, 15)
	if errors.Cause(err) != ErrHistoryDecreased {
		t.Errorf("WriteHistoryID(15) = %v, want ErrHistoryDecreased", err)
	}
}
