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

// Package index copies messages from a message storage system into the
// local database.
package index

import (
	"context"
	"strings"

	"github.com/matta/gmailrules/internal/message"
	"github.com/matta/gmailrules/internal/persist"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options selects the messages to index.
type Options struct {
	// Only index mail from these addresses.  Empty means all mail.
	Senders []string

	// Maximum number of message IDs to list.
	MaxCount int64

	// Page size for listing, and the unit of work when writing.
	BatchSize int64

	// Fetch messages already in the database again.
	Refresh bool
}

// Query returns the GMail search query for o.Senders, e.g.
// "from:a@example.com OR from:b@example.com".
func (o Options) Query() string {
	var terms []string
	for _, s := range o.Senders {
		if s = strings.TrimSpace(s); s != "" {
			terms = append(terms, "from:"+s)
		}
	}
	return strings.Join(terms, " OR ")
}

// Stats summarizes an index run.
type Stats struct {
	Listed  int
	Fetched int

	// Already indexed and not refreshed.
	Skipped int

	// Listed but gone by the time they were fetched.
	Missing int
}

func listIds(ctx context.Context, g MessageLister, opts Options, ids chan<- message.ID) error {
	defer close(ids)

	err := g.List(ctx, opts.Query(), opts.MaxCount, opts.BatchSize, func(id message.ID) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ids <- id:
			return nil
		}
	})
	if err != nil {
		return errors.Wrap(err, "unable to list messages")
	}
	return nil
}

type indexer struct {
	g     MessageStorage
	tx    *persist.Tx
	opts  Options
	log   *zap.SugaredLogger
	stats Stats
}

// saveBatch fetches and stores the messages in batch.
func (x *indexer) saveBatch(ctx context.Context, batch []message.ID) error {
	var known map[string]bool
	if !x.opts.Refresh {
		ids := make([]string, len(batch))
		for i, id := range batch {
			ids[i] = id.PermID
		}
		var err error
		if known, err = x.tx.KnownMessageIDs(ctx, ids); err != nil {
			return err
		}
	}
	for _, id := range batch {
		if known[id.PermID] {
			x.stats.Skipped++
			continue
		}
		rec, err := x.g.GetMessage(ctx, id.PermID)
		if errors.Cause(err) == message.ErrNotFound {
			// In practice listed messages sometimes can't be
			// fetched; chat messages are reported the same way.
			x.log.Warnw("skipping message that can not be fetched", "id", id.PermID)
			x.stats.Missing++
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed getting message %v", id.PermID)
		}
		if err := x.tx.UpsertMessage(ctx, rec); err != nil {
			return err
		}
		x.stats.Fetched++
		x.log.Debugw("indexed message", "id", rec.PermID,
			"history_id", rec.HistoryID, "size_estimate", rec.SizeEstimate)
	}
	return nil
}

func (x *indexer) saveIds(ctx context.Context, ids <-chan message.ID) error {
	batch := make([]message.ID, 0, x.opts.BatchSize)
	for id := range ids {
		x.stats.Listed++
		batch = append(batch, id)
		if int64(len(batch)) < x.opts.BatchSize {
			continue
		}
		if err := x.saveBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
	}
	if len(batch) == 0 {
		return nil
	}
	return x.saveBatch(ctx, batch)
}

func (x *indexer) syncLabels(ctx context.Context) error {
	labels, err := x.g.ListLabels(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to list labels")
	}
	if err := x.tx.ReplaceLabelCatalog(ctx, labels); err != nil {
		return err
	}
	x.log.Debugw("synced label catalogue", "count", len(labels))
	return nil
}

func (x *indexer) recordHistory(ctx context.Context, profile *message.Profile) error {
	err := x.tx.WriteHistoryID(ctx, profile.HistoryID)
	if errors.Cause(err) == persist.ErrHistoryDecreased {
		x.log.Warnw("mailbox history ID went backwards; keeping the recorded one",
			"history_id", profile.HistoryID, "error", err)
		return nil
	}
	return err
}

func (x *indexer) run(ctx context.Context) error {
	profile, err := x.g.GetProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to get profile")
	}
	x.log.Infow("indexing", "email", profile.EmailAddress,
		"history_id", profile.HistoryID, "query", x.opts.Query(),
		"max_count", x.opts.MaxCount, "batch_size", x.opts.BatchSize)

	if err := x.syncLabels(ctx); err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	ids := make(chan message.ID, 1000)
	grp.Go(func() error {
		return listIds(gctx, x.g, x.opts, ids)
	})
	grp.Go(func() error {
		return x.saveIds(gctx, ids)
	})
	if err := grp.Wait(); err != nil {
		return err
	}
	return x.recordHistory(ctx, profile)
}

// Index lists messages matching opts from g and upserts them into db
// in a single transaction.
func Index(ctx context.Context, g MessageStorage, db *persist.DB, opts Options, log *zap.SugaredLogger) (*Stats, error) {
	if opts.MaxCount <= 0 {
		return nil, errors.Errorf("max count must be positive, got %d", opts.MaxCount)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	x := &indexer{g: g, tx: tx, opts: opts, log: log}
	if err := x.run(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to index")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit failed")
	}
	log.Infow("indexing complete", "listed", x.stats.Listed, "fetched", x.stats.Fetched,
		"skipped", x.stats.Skipped, "missing", x.stats.Missing)
	return &x.stats, nil
}
