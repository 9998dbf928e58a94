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

package main

import (
	"fmt"

	"github.com/matta/gmailrules/internal/index"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newIndexCmd(a *app) *cobra.Command {
	var opts index.Options

	cmd := &cobra.Command{
		Use:   "index_emails",
		Short: "Copy GMail messages into the local database",
		Long: `Lists up to --max_count messages, newest first, optionally limited to
mail from --email_senders, and stores them in the local database.
Messages already in the database are skipped unless --refresh is set.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.MaxCount <= 0 {
				return errors.Errorf("--max_count must be positive, got %d", opts.MaxCount)
			}
			if opts.BatchSize <= 0 {
				return errors.Errorf("--batch_size must be positive, got %d", opts.BatchSize)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			g, err := a.gmail(ctx)
			if err != nil {
				return err
			}
			stats, err := index.Index(ctx, g, db, opts, a.log)
			if err != nil {
				return errors.Wrap(err, "unable to index")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d messages (%d listed, %d already indexed, %d unavailable)\n",
				stats.Fetched, stats.Listed, stats.Skipped, stats.Missing)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.Senders, "email_senders", nil,
		"only index mail from these addresses (repeatable or comma separated)")
	cmd.Flags().Int64Var(&opts.MaxCount, "max_count", 100, "maximum number of messages to list")
	cmd.Flags().Int64Var(&opts.BatchSize, "batch_size", 10, "messages per list page and per write batch")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "fetch messages already in the database again")
	return cmd
}
