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

/*
Package gmailhttp builds the authorized HTTP client used to talk to the
GMail API.

The OAuth 2.0 client is described by a credentials file downloaded from
the Google Cloud Console ("Desktop app" type).  The user's token is
cached in a separate token file.  When the token file is missing the
user is asked to visit a consent URL and paste back the authorization
code; the resulting token is written to the token file.

Refreshed tokens are written back to the token file so that the next
run can reuse them.
*/
package gmailhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Options describes where the OAuth client and token live.
type Options struct {
	CredentialsPath string
	TokenPath       string

	// Scopes requested when a new token must be obtained.
	Scopes []string

	// In and Out are used for the interactive consent flow.
	In  io.Reader
	Out io.Writer

	// Base is the transport under the OAuth layer.  Nil means
	// http.DefaultTransport.
	Base http.RoundTripper
}

func readConfig(path string, scopes []string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading OAuth client credentials")
	}
	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing OAuth client credentials %q", path)
	}
	return config, nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Wrapf(err, "decoding token file %q", path)
	}
	return tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "creating token directory")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "opening token file")
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing token file %q", path)
	}
	return errors.Wrapf(f.Close(), "closing token file %q", path)
}

// exchange runs the interactive consent flow.
func exchange(ctx context.Context, config *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser then type the authorization code:\n%v\n", authURL)
	fmt.Fprint(out, "Authorization code: ")

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || code == "") {
		return nil, errors.Wrap(err, "reading authorization code")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("empty authorization code")
	}
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "exchanging authorization code")
	}
	return tok, nil
}

// savingTokenSource writes every new token it hands out to path.
// Satisfies oauth2.TokenSource.
type savingTokenSource struct {
	src  oauth2.TokenSource
	path string
	log  *zap.SugaredLogger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := writeToken(s.path, tok); err != nil {
			// The token is still usable for this run.
			s.log.Warnw("unable to save refreshed token", "path", s.path, "error", err)
		} else {
			s.log.Debugw("saved token", "path", s.path, "expiry", tok.Expiry)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

// New returns a new HTTP client capable of using the GMail API.
func New(ctx context.Context, opts Options, log *zap.SugaredLogger) (*http.Client, error) {
	config, err := readConfig(opts.CredentialsPath, opts.Scopes)
	if err != nil {
		return nil, err
	}
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	// Token endpoint requests go through base too.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})

	tok, err := readToken(opts.TokenPath)
	if os.IsNotExist(errors.Cause(err)) {
		log.Infow("no cached token, starting authorization", "token_path", opts.TokenPath)
		if tok, err = exchange(ctx, config, opts.In, opts.Out); err != nil {
			return nil, err
		}
		if err := writeToken(opts.TokenPath, tok); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "loading cached token")
	}

	src := &savingTokenSource{
		src:  config.TokenSource(ctx, tok),
		path: opts.TokenPath,
		log:  log,
		last: tok.AccessToken,
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(tok, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}
