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
	"context"
	"net/http"

	"github.com/matta/gmailrules/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerBatchModify  = 50

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Users.messages.list refuses larger pages.
	maxPageSize = 500

	// Users.messages.batchModify refuses more IDs per call.
	maxBatchModifyIDs = 1000

	user = "me"
)

var (
	ErrMessageNotFound = message.ErrNotFound
	ErrQuotaExceeded   = errors.New("gmail quota exceeded")
	ErrUnauthorized    = errors.New("gmail authorization failed")
)

// GmailService provides access to messages stored in Google's GMail
// system.
type GmailService struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New returns a GmailService issuing requests through client.  Extra
// options are appended after the client, e.g. option.WithEndpoint.
func New(ctx context.Context, client *http.Client, log *zap.SugaredLogger, opts ...option.ClientOption) (*GmailService, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &GmailService{service: s, limiter: l, log: log}, nil
}

// classify maps well known API failures onto the package's sentinel
// errors, keeping the original message.
func classify(err error) error {
	cause, ok := errors.Cause(err).(*googleapi.Error)
	if !ok {
		return err
	}
	switch cause.Code {
	case http.StatusTooManyRequests:
		return errors.Wrap(ErrQuotaExceeded, err.Error())
	case http.StatusUnauthorized:
		return errors.Wrap(ErrUnauthorized, err.Error())
	case http.StatusForbidden:
		for _, item := range cause.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
				return errors.Wrap(ErrQuotaExceeded, err.Error())
			}
		}
		return errors.Wrap(ErrUnauthorized, err.Error())
	case http.StatusNotFound:
		return errors.Wrap(ErrMessageNotFound, err.Error())
	}
	return err
}

// List calls handler with the IDs of up to maxCount messages matching
// query, newest first, requesting pages of at most pageSize IDs.  An
// empty query matches every message.
func (s *GmailService) List(ctx context.Context, query string, maxCount, pageSize int64, handler func(message.ID) error) error {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	msgs := gmail_api.NewUsersMessagesService(s.service)
	total := int64(0)
	pageToken := ""
	for total < maxCount {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
			return err
		}
		size := pageSize
		if remaining := maxCount - total; remaining < size {
			size = remaining
		}
		req := msgs.List(user).Context(ctx).MaxResults(size)
		if query != "" {
			req = req.Q(query)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		page, err := req.Do()
		if err != nil {
			return errors.Wrap(classify(err), "unable to list messages")
		}
		s.log.Debugw("listed page of Gmail messages",
			"count", len(page.Messages), "total", total+int64(len(page.Messages)))
		for _, msg := range page.Messages {
			if total >= maxCount {
				break
			}
			total++
			if err := handler(message.ID{PermID: msg.Id, ThreadID: msg.ThreadId}); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	s.log.Infow("done listing Gmail messages", "total", total)
	return nil
}

func (s *GmailService) getMessage(ctx context.Context, call *gmail_api.UsersMessagesGetCall) (*gmail_api.Message, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	msg, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}
	if isChat(msg) {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// GetMessage fetches message id in "full" format and normalizes it.
func (s *GmailService) GetMessage(ctx context.Context, id string) (*message.Record, error) {
	msg, err := s.getMessage(ctx, gmail_api.NewUsersMessagesService(s.service).Get(user, id).
		Context(ctx).Format("full"))
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	rec, err := recordFromMessage(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	return rec, nil
}

// ListLabels returns every label defined in the mailbox.
func (s *GmailService) ListLabels(ctx context.Context) ([]message.Label, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, err
	}
	resp, err := gmail_api.NewUsersLabelsService(s.service).List(user).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(classify(err), "unable to list labels")
	}
	labels := make([]message.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, message.Label{ID: l.Id, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

func (s *GmailService) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(classify(err), "unable to get profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    u.HistoryId,
	}, nil
}

// BatchModify applies mod to every message in ids, splitting the
// request as needed.  No request is made when ids is empty or mod
// changes nothing.
func (s *GmailService) BatchModify(ctx context.Context, ids []string, mod message.Modification) error {
	if len(ids) == 0 || mod.Empty() {
		return nil
	}
	msgs := gmail_api.NewUsersMessagesService(s.service)
	for start := 0; start < len(ids); start += maxBatchModifyIDs {
		end := start + maxBatchModifyIDs
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.limiter.WaitN(ctx, quotaUnitsPerBatchModify); err != nil {
			return err
		}
		req := &gmail_api.BatchModifyMessagesRequest{
			Ids:            ids[start:end],
			AddLabelIds:    mod.AddLabelIDs,
			RemoveLabelIds: mod.RemoveLabelIDs,
		}
		if err := msgs.BatchModify(user, req).Context(ctx).Do(); err != nil {
			return errors.Wrapf(classify(err), "modifying %d messages", end-start)
		}
		s.log.Debugw("modified messages", "count", end-start,
			"add", mod.AddLabelIDs, "remove", mod.RemoveLabelIDs)
	}
	return nil
}
