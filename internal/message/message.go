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

package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned by message sources when a listed message can
// no longer be fetched.
var ErrNotFound = errors.New("message not found")

// Well known GMail system label identifiers.
const (
	LabelInbox     = "INBOX"
	LabelSpam      = "SPAM"
	LabelTrash     = "TRASH"
	LabelImportant = "IMPORTANT"
	LabelUnread    = "UNREAD"
	LabelStarred   = "STARRED"
)

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in a storage
	// system.
	PermID string

	// The permanent and unique ID of a thread associated with the
	// message.  May be empty in storage systems that do not
	// support this concept.
	ThreadID string
}

// Header defines the metadata associated with a message.
type Header struct {
	// The message's permanent unique identifiers.
	ID

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	// An estimated size of the message (bytes).
	SizeEstimate int64

	// An opaque identifier naming the snapshot in time at which
	// this record was taken.  Values need not be monotonic.
	HistoryID uint64
}

// Record is a message normalized for the local index.
type Record struct {
	Header

	// Raw values of the From, To and Subject headers, e.g.
	// "Jane Doe <jane@example.com>".
	Sender    string
	Recipient string
	Subject   string

	Snippet string

	// Plain text rendition of the message body.
	Body string

	// When the mail provider received the message, with one
	// second resolution.
	ReceivedAt time.Time
}

// Label maps a label identifier to its user visible name.
type Label struct {
	ID string

	// Display name, e.g. "Receipts/2024".
	Name string

	// "system" or "user".
	Type string
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}

// Modification is a change to the label set of one or more messages.
type Modification struct {
	AddLabelIDs    []string
	RemoveLabelIDs []string
}

// Empty reports whether m changes nothing.
func (m Modification) Empty() bool {
	return len(m.AddLabelIDs) == 0 && len(m.RemoveLabelIDs) == 0
}

// Apply returns labels with m applied, sorted and without
// duplicates.  The input slice is not modified.
func (m Modification) Apply(labels []string) []string {
	set := make(map[string]bool, len(labels)+len(m.AddLabelIDs))
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range m.RemoveLabelIDs {
		delete(set, l)
	}
	for _, l := range m.AddLabelIDs {
		set[l] = true
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
