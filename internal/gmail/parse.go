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

package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/matta/gmailrules/internal/message"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
	mimeMultipart = "multipart/"
)

func recordFromMessage(msg *gmail_api.Message) (*message.Record, error) {
	rec := &message.Record{
		Header: message.Header{
			ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
			LabelIDs:     msg.LabelIds,
			SizeEstimate: msg.SizeEstimate,
			HistoryID:    msg.HistoryId,
		},
		Snippet: msg.Snippet,
		// internalDate is in milliseconds; keep one second resolution.
		ReceivedAt: time.Unix(msg.InternalDate/1000, 0).UTC(),
	}
	if msg.Payload == nil {
		return rec, nil
	}
	rec.Sender = header(msg.Payload, "From")
	rec.Recipient = header(msg.Payload, "To")
	rec.Subject = header(msg.Payload, "Subject")

	body, err := textBody(msg.Payload)
	if err != nil {
		return nil, err
	}
	rec.Body = body
	return rec, nil
}

// header returns the value of the first header called name, or "".
func header(p *gmail_api.MessagePart, name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// decodeData decodes a MessagePartBody.data value.  The API documents
// base64url; padding is not always present.
func decodeData(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", errors.Wrap(err, "decoding body data")
		}
	}
	return string(b), nil
}

func isMultipart(p *gmail_api.MessagePart) bool {
	return strings.HasPrefix(strings.ToLower(p.MimeType), mimeMultipart)
}

func isType(p *gmail_api.MessagePart, mimeType string) bool {
	return strings.EqualFold(p.MimeType, mimeType)
}

// textBody returns the text/plain leaves of the MIME tree, in order,
// joined by newlines.  Without any text/plain leaf it falls back to the
// text of the first text/html leaf.
func textBody(p *gmail_api.MessagePart) (string, error) {
	var texts []string
	if err := collectPlain(p, &texts); err != nil {
		return "", err
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n"), nil
	}
	if h := firstPart(p, mimeTextHTML); h != nil {
		return htmlText(h)
	}
	return "", nil
}

func collectPlain(p *gmail_api.MessagePart, out *[]string) error {
	switch {
	case isMultipart(p):
		for _, part := range p.Parts {
			if err := collectPlain(part, out); err != nil {
				return err
			}
		}
	case isType(p, mimeTextPlain) && len(p.Parts) == 0:
		if p.Body == nil || p.Body.Data == "" {
			return nil
		}
		text, err := decodeData(p.Body.Data)
		if err != nil {
			return errors.Wrapf(err, "part %q", p.PartId)
		}
		if text != "" {
			*out = append(*out, text)
		}
	}
	return nil
}

func firstPart(p *gmail_api.MessagePart, mimeType string) *gmail_api.MessagePart {
	if isType(p, mimeType) && p.Body != nil && p.Body.Data != "" {
		return p
	}
	if !isMultipart(p) {
		return nil
	}
	for _, part := range p.Parts {
		if found := firstPart(part, mimeType); found != nil {
			return found
		}
	}
	return nil
}

// htmlText renders the visible text of an HTML part with runs of
// whitespace collapsed.
func htmlText(p *gmail_api.MessagePart) (string, error) {
	raw, err := decodeData(p.Body.Data)
	if err != nil {
		return "", errors.Wrapf(err, "part %q", p.PartId)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", errors.Wrapf(err, "parsing html part %q", p.PartId)
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
