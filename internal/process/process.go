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

// Package process applies rules to the messages in the local database.
package process

import (
	"context"
	"time"

	"github.com/matta/gmailrules/internal/message"
	"github.com/matta/gmailrules/internal/persist"
	"github.com/matta/gmailrules/internal/rules"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Modifier changes the labels of messages in a message storage system.
type Modifier interface {
	BatchModify(ctx context.Context, ids []string, mod message.Modification) error
}

// Step is one label modification applied to a set of messages.
type Step struct {
	// Index of the rules collection in the rules file.
	Collection  int
	Description string

	Mod message.Modification

	// Message IDs in (received_at, message_id) order.
	IDs []string
}

// Options controls a processing run.
type Options struct {
	// Log the plan without changing anything.
	DryRun bool

	// Evaluation time for date rules.  Zero means time.Now().
	Now time.Time
}

// Plan evaluates cfg against every stored message.  Steps follow the
// order of the rules file; collections matching nothing are omitted.
func Plan(ctx context.Context, tx *persist.Tx, cfg *rules.Config, now time.Time) ([]Step, error) {
	catalog, err := tx.LabelCatalog(ctx)
	if err != nil {
		return nil, err
	}
	labels := rules.NewLabels(catalog)

	// Resolve every destination before looking at messages so that a
	// bad label fails the run up front.
	steps := make([]Step, len(cfg.Collections))
	for i := range cfg.Collections {
		coll := &cfg.Collections[i]
		mod, err := coll.Modification(labels)
		if err != nil {
			return nil, errors.Wrapf(err, "collection %d (%q)", i, coll.Description)
		}
		steps[i] = Step{Collection: i, Description: coll.Description, Mod: mod}
	}

	err = tx.ListMessages(ctx, func(rec *message.Record) error {
		for _, i := range cfg.Select(rec, now) {
			steps[i].IDs = append(steps[i].IDs, rec.PermID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Step
	for _, s := range steps {
		if len(s.IDs) > 0 && !s.Mod.Empty() {
			out = append(out, s)
		}
	}
	return out, nil
}

func plan(ctx context.Context, db *persist.DB, cfg *rules.Config, now time.Time) ([]Step, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return Plan(ctx, tx, cfg, now)
}

func recordStep(ctx context.Context, db *persist.DB, s Step) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.ApplyModification(ctx, s.IDs, s.Mod); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

// Process applies cfg to the messages in db through m and mirrors the
// resulting label changes in db.  It returns the steps it planned.
func Process(ctx context.Context, m Modifier, db *persist.DB, cfg *rules.Config, opts Options, log *zap.SugaredLogger) ([]Step, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	steps, err := plan(ctx, db, cfg, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to evaluate rules")
	}
	if len(steps) == 0 {
		log.Infow("no messages matched any rule", "collections", len(cfg.Collections))
		return nil, nil
	}

	for _, s := range steps {
		log.Infow("applying rules collection", "collection", s.Collection,
			"description", s.Description, "messages", len(s.IDs),
			"add", s.Mod.AddLabelIDs, "remove", s.Mod.RemoveLabelIDs,
			"dry_run", opts.DryRun)
		if opts.DryRun {
			log.Debugw("planned messages", "collection", s.Collection, "ids", s.IDs)
			continue
		}
		if err := m.BatchModify(ctx, s.IDs, s.Mod); err != nil {
			return steps, errors.Wrapf(err, "collection %d (%q)", s.Collection, s.Description)
		}
		if err := recordStep(ctx, db, s); err != nil {
			return steps, errors.Wrapf(err, "collection %d (%q): updating local labels", s.Collection, s.Description)
		}
	}
	return steps, nil
}
