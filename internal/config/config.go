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

// Package config resolves the file locations used by gmailrules.
//
// Every setting has a default under ~/.gmailrules and may be overridden
// by a GMAILRULES_<KEY> environment variable or a bound command line
// flag.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "GMAILRULES"

// Setting keys.  The environment variable for a key is its upper case
// form with the GMAILRULES_ prefix, e.g. GMAILRULES_DB_PATH.
const (
	KeyDBPath          = "db_path"
	KeyTokenPath       = "token_path"
	KeyCredentialsPath = "credentials_path"
	KeyRulesPath       = "rules_path"
	KeyLogFile         = "log_file"
)

// Config holds resolved, absolute file locations.
type Config struct {
	DBPath          string
	TokenPath       string
	CredentialsPath string
	RulesPath       string

	// Empty disables the log file.
	LogFile string
}

// HomeDir returns the current user's home directory.
func HomeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "looking up home directory")
	}
	return usr.HomeDir, nil
}

// New returns a viper instance with defaults rooted at home and
// environment overrides enabled.
func New(home string) *viper.Viper {
	v := viper.New()
	dir := filepath.Join(home, ".gmailrules")
	v.SetDefault(KeyDBPath, filepath.Join(dir, "emails.db"))
	v.SetDefault(KeyTokenPath, filepath.Join(dir, "token.json"))
	v.SetDefault(KeyCredentialsPath, filepath.Join(dir, "credentials.json"))
	v.SetDefault(KeyRulesPath, filepath.Join(dir, "rules.json"))
	v.SetDefault(KeyLogFile, filepath.Join(dir, "gmailrules.log"))
	v.SetEnvPrefix(envPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return v
}

// expand replaces a leading "~" with home.
func expand(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Load resolves every setting in v.
func Load(v *viper.Viper, home string) (*Config, error) {
	get := func(key string) (string, error) {
		p := strings.TrimSpace(v.GetString(key))
		if p == "" {
			return "", errors.Errorf("setting %s (%s_%s) is empty",
				key, envPrefix, strings.ToUpper(key))
		}
		p, err := filepath.Abs(expand(p, home))
		return p, errors.Wrapf(err, "resolving %s", key)
	}

	var (
		c   Config
		err error
	)
	for _, s := range []struct {
		key string
		dst *string
	}{
		{KeyDBPath, &c.DBPath},
		{KeyTokenPath, &c.TokenPath},
		{KeyCredentialsPath, &c.CredentialsPath},
		{KeyRulesPath, &c.RulesPath},
	} {
		if *s.dst, err = get(s.key); err != nil {
			return nil, err
		}
	}
	if v.GetString(KeyLogFile) != "" {
		if c.LogFile, err = get(KeyLogFile); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
