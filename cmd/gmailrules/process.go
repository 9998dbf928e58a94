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

	"github.com/matta/gmailrules/internal/config"
	"github.com/matta/gmailrules/internal/process"
	"github.com/matta/gmailrules/internal/rules"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newProcessCmd(a *app) *cobra.Command {
	var opts process.Options

	cmd := &cobra.Command{
		Use:   "process_emails",
		Short: "Apply the rules file to the indexed messages",
		Long: `Evaluates every collection in the rules file against the messages in
the local database and moves or marks the matching messages in GMail.
With --dry_run the planned changes are only logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := rules.Load(a.cfg.RulesPath)
			if err != nil {
				return errors.Wrap(err, "unable to load rules")
			}

			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var m process.Modifier
			if !opts.DryRun {
				g, err := a.gmail(ctx)
				if err != nil {
					return err
				}
				m = g
			}
			steps, err := process.Process(ctx, m, db, cfg, opts, a.log)
			if err != nil {
				return errors.Wrap(err, "unable to process rules")
			}
			verb := "Modified"
			if opts.DryRun {
				verb = "Would modify"
			}
			for _, s := range steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d messages for %q\n", verb, len(s.IDs), s.Description)
			}
			if len(steps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages matched")
			}
			return nil
		},
	}

	cmd.Flags().String("rules_path", "", "rules file (default $GMAILRULES_RULES_PATH or ~/.gmailrules/rules.json)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry_run", false, "log planned changes without applying them")
	// An explicit --rules_path overrides the environment and default.
	_ = a.v.BindPFlag(config.KeyRulesPath, cmd.Flags().Lookup("rules_path"))
	return cmd
}
