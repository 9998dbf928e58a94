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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/matta/gmailrules/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// fakeGmail serves a tiny subset of the Gmail REST API.
type fakeGmail struct {
	mu         sync.Mutex
	ids        []string
	listCalls  []listRequest
	batchCalls []gmail_api.BatchModifyMessagesRequest
	status     int
	body       string
}

type listRequest struct {
	maxResults string
	pageToken  string
	q          string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprint(w, f.body)
		return
	}
	switch r.URL.Path {
	case "/gmail/v1/users/me/messages":
		q := r.URL.Query()
		f.listCalls = append(f.listCalls, listRequest{q.Get("maxResults"), q.Get("pageToken"), q.Get("q")})
		start, _ := strconv.Atoi(q.Get("pageToken"))
		n, _ := strconv.Atoi(q.Get("maxResults"))
		end := start + n
		if end > len(f.ids) {
			end = len(f.ids)
		}
		resp := &gmail_api.ListMessagesResponse{}
		for _, id := range f.ids[start:end] {
			resp.Messages = append(resp.Messages, &gmail_api.Message{Id: id, ThreadId: "t" + id})
		}
		if end < len(f.ids) {
			resp.NextPageToken = strconv.Itoa(end)
		}
		json.NewEncoder(w).Encode(resp)
	case "/gmail/v1/users/me/messages/m1":
		json.NewEncoder(w).Encode(&gmail_api.Message{
			Id:       "m1",
			ThreadId: "t1",
			Payload: &gmail_api.MessagePart{
				MimeType: "text/plain",
				Headers:  []*gmail_api.MessagePartHeader{{Name: "Subject", Value: "hi"}},
				Body:     &gmail_api.MessagePartBody{Data: b64("body")},
			},
		})
	case "/gmail/v1/users/me/messages/chat":
		json.NewEncoder(w).Encode(&gmail_api.Message{Id: "chat", LabelIds: []string{"CHAT"}})
	case "/gmail/v1/users/me/messages/batchModify":
		var req gmail_api.BatchModifyMessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.batchCalls = append(f.batchCalls, req)
		w.WriteHeader(http.StatusNoContent)
	case "/gmail/v1/users/me/labels":
		json.NewEncoder(w).Encode(&gmail_api.ListLabelsResponse{
			Labels: []*gmail_api.Label{
				{Id: "INBOX", Name: "INBOX", Type: "system"},
				{Id: "Label_1", Name: "Receipts", Type: "user"},
			},
		})
	case "/gmail/v1/users/me/profile":
		json.NewEncoder(w).Encode(&gmail_api.Profile{EmailAddress: "me@example.com", HistoryId: 1234})
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	}
}

func newTestService(t *testing.T, f *fakeGmail) *GmailService {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(), zap.NewNop().Sugar(),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return s
}

func TestList(t *testing.T) {
	f := &fakeGmail{ids: []string{"a", "b", "c", "d", "e"}}
	s := newTestService(t, f)

	var got []string
	err := s.List(context.Background(), "from:a@example.com", 3, 2, func(id message.ID) error {
		got = append(got, id.PermID)
		return nil
	})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("List() ids mismatch (-want +got):\n%s", diff)
	}
	want := []listRequest{
		{maxResults: "2", q: "from:a@example.com"},
		{maxResults: "1", pageToken: "2", q: "from:a@example.com"},
	}
	if diff := cmp.Diff(want, f.listCalls, cmp.AllowUnexported(listRequest{})); diff != "" {
		t.Errorf("List() requests mismatch (-want +got):\n%s", diff)
	}
}

func TestListStopsAtLastPage(t *testing.T) {
	f := &fakeGmail{ids: []string{"a", "b"}}
	s := newTestService(t, f)

	n := 0
	err := s.List(context.Background(), "", 100, 10, func(message.ID) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if n != 2 || len(f.listCalls) != 1 {
		t.Errorf("List() saw %d ids in %d requests, want 2 in 1", n, len(f.listCalls))
	}
}

func TestListHandlerError(t *testing.T) {
	s := newTestService(t, &fakeGmail{ids: []string{"a", "b"}})
	stop := errors.New("stop")
	err := s.List(context.Background(), "", 10, 10, func(message.ID) error { return stop })
	if err != stop {
		t.Errorf("List() = %v, want %v", err, stop)
	}
}

func TestGetMessage(t *testing.T) {
	s := newTestService(t, &fakeGmail{})
	rec, err := s.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage() = %v", err)
	}
	if rec.PermID != "m1" || rec.Subject != "hi" || rec.Body != "body" {
		t.Errorf("GetMessage() = %+v", rec)
	}

	for _, id := range []string{"chat", "missing"} {
		_, err := s.GetMessage(context.Background(), id)
		if errors.Cause(err) != ErrMessageNotFound {
			t.Errorf("GetMessage(%q) = %v, want ErrMessageNotFound", id, err)
		}
	}
}

func TestListLabels(t *testing.T) {
	s := newTestService(t, &fakeGmail{})
	got, err := s.ListLabels(context.Background())
	if err != nil {
		t.Fatalf("ListLabels() = %v", err)
	}
	want := []message.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_1", Name: "Receipts", Type: "user"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListLabels() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetProfile(t *testing.T) {
	s := newTestService(t, &fakeGmail{})
	got, err := s.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() = %v", err)
	}
	want := &message.Profile{EmailAddress: "me@example.com", HistoryID: 1234}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetProfile() mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchModify(t *testing.T) {
	f := &fakeGmail{}
	s := newTestService(t, f)
	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	mod := message.Modification{AddLabelIDs: []string{"SPAM"}, RemoveLabelIDs: []string{"INBOX"}}
	if err := s.BatchModify(context.Background(), ids, mod); err != nil {
		t.Fatalf("BatchModify() = %v", err)
	}
	var sizes []int
	for _, call := range f.batchCalls {
		sizes = append(sizes, len(call.Ids))
		if diff := cmp.Diff(mod.AddLabelIDs, call.AddLabelIds); diff != "" {
			t.Errorf("addLabelIds mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(mod.RemoveLabelIDs, call.RemoveLabelIds); diff != "" {
			t.Errorf("removeLabelIds mismatch (-want +got):\n%s", diff)
		}
	}
	if diff := cmp.Diff([]int{1000, 1000, 500}, sizes); diff != "" {
		t.Errorf("BatchModify() chunk sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchModifyNothingToDo(t *testing.T) {
	f := &fakeGmail{}
	s := newTestService(t, f)
	ctx := context.Background()
	if err := s.BatchModify(ctx, nil, message.Modification{AddLabelIDs: []string{"SPAM"}}); err != nil {
		t.Errorf("BatchModify(no ids) = %v", err)
	}
	if err := s.BatchModify(ctx, []string{"m1"}, message.Modification{}); err != nil {
		t.Errorf("BatchModify(empty mod) = %v", err)
	}
	if len(f.batchCalls) != 0 {
		t.Errorf("BatchModify() made %d requests, want 0", len(f.batchCalls))
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{429, `{"error":{"code":429,"message":"slow down"}}`, ErrQuotaExceeded},
		{401, `{"error":{"code":401,"message":"bad token"}}`, ErrUnauthorized},
		{403, `{"error":{"code":403,"message":"no","errors":[{"reason":"userRateLimitExceeded","message":"no"}]}}`, ErrQuotaExceeded},
		{403, `{"error":{"code":403,"message":"no","errors":[{"reason":"insufficientPermissions","message":"no"}]}}`, ErrUnauthorized},
		{404, `{"error":{"code":404,"message":"gone"}}`, ErrMessageNotFound},
	}
	for _, tc := range cases {
		s := newTestService(t, &fakeGmail{status: tc.status, body: tc.body})
		_, err := s.ListLabels(context.Background())
		if errors.Cause(err) != tc.want {
			t.Errorf("ListLabels() with status %d = %v, want cause %v", tc.status, err, tc.want)
		}
	}

	s := newTestService(t, &fakeGmail{status: 500, body: `{"error":{"code":500,"message":"boom"}}`})
	_, err := s.GetProfile(context.Background())
	if err == nil {
		t.Fatal("GetProfile() with status 500 = nil, want error")
	}
	switch errors.Cause(err) {
	case ErrQuotaExceeded, ErrUnauthorized, ErrMessageNotFound:
		t.Errorf("GetProfile() with status 500 = %v, want unclassified error", err)
	}
}
