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
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/matta/gmailrules/internal/config"
	"github.com/matta/gmailrules/internal/gmail"
	"github.com/matta/gmailrules/internal/gmailhttp"
	"github.com/matta/gmailrules/internal/logger"
	"github.com/matta/gmailrules/internal/persist"
	"github.com/matta/gmailrules/internal/tracehttp"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds state shared by the subcommands.
type app struct {
	v    *viper.Viper
	home string

	logLevel string
	trace    bool

	// Interactive OAuth consent and console logging.
	in     io.Reader
	stderr io.Writer

	cfg      *config.Config
	log      *zap.SugaredLogger
	closeLog func()
}

func newApp(home string) *app {
	return &app{
		v:        config.New(home),
		home:     home,
		in:       os.Stdin,
		stderr:   os.Stderr,
		closeLog: func() {},
	}
}

// setup resolves configuration and starts logging.
func (a *app) setup() error {
	level, err := logger.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	if a.cfg, err = config.Load(a.v, a.home); err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	log, closeLog, err := logger.New(logger.Options{
		Level:   level,
		Console: a.stderr,
		File:    a.cfg.LogFile,
	})
	if err != nil {
		return errors.Wrap(err, "unable to initialize logging")
	}
	a.log, a.closeLog = log, closeLog
	a.log.Debugw("configuration", "db_path", a.cfg.DBPath,
		"token_path", a.cfg.TokenPath, "credentials_path", a.cfg.CredentialsPath,
		"rules_path", a.cfg.RulesPath, "log_file", a.cfg.LogFile)
	return nil
}

func (a *app) openDB(ctx context.Context) (*persist.DB, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create database directory")
	}
	db, err := persist.Open(ctx, a.cfg.DBPath, a.log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, nil
}

func (a *app) gmail(ctx context.Context) (*gmail.GmailService, error) {
	var base http.RoundTripper = http.DefaultTransport
	if a.trace {
		base = tracehttp.Wrap(base, a.log)
	}
	client, err := gmailhttp.New(ctx, gmailhttp.Options{
		CredentialsPath: a.cfg.CredentialsPath,
		TokenPath:       a.cfg.TokenPath,
		Scopes:          []string{gmail.ModifyScope},
		In:              a.in,
		Out:             a.stderr,
		Base:            base,
	}, a.log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
	}
	s, err := gmail.New(ctx, client, a.log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail")
	}
	return s, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gmailrules",
		Short: "Index GMail messages locally and apply label rules to them",
		Long: `gmailrules copies messages from a GMail mailbox into a local SQLite
database (index_emails) and then moves or marks them according to a JSON
rules file (process_emails).

File locations default to ~/.gmailrules and may be overridden with the
GMAILRULES_DB_PATH, GMAILRULES_TOKEN_PATH, GMAILRULES_CREDENTIALS_PATH,
GMAILRULES_RULES_PATH and GMAILRULES_LOG_FILE environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log_level", "INFO",
		"log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	root.PersistentFlags().BoolVar(&a.trace, "trace", false,
		"log GMail HTTP traffic at DEBUG level")

	root.AddCommand(newIndexCmd(a))
	root.AddCommand(newProcessCmd(a))
	return root
}

func run(ctx context.Context, args []string) error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	a := newApp(home)
	defer func() { a.closeLog() }()
	root := newRootCmd(a)
	root.SetArgs(args)
	return a.execute(ctx, root)
}

// execute runs root, recording a failure in the log while it is
// still open.
func (a *app) execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if err != nil && a.log != nil {
		a.log.Errorw("command failed", "error", err)
	}
	return err
}
