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

package index

import (
	"context"

	"github.com/matta/gmailrules/internal/message"
)

// MessageLister lists message identifiers from a message storage
// system, newest first.
type MessageLister interface {
	List(ctx context.Context, query string, maxCount, pageSize int64, handler func(message.ID) error) error
}

// MessageGetter gets a normalized message from a message storage
// system.  A message that can no longer be fetched yields an error
// whose cause is message.ErrNotFound.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*message.Record, error)
}

// LabelLister lists the labels defined in a mailbox.
type LabelLister interface {
	ListLabels(ctx context.Context) ([]message.Label, error)
}

// MessageProfiler gets per account metadata from a message storage
// system.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// MessageStorage provides all the actions the indexer needs from a
// message storage system.
type MessageStorage interface {
	MessageLister
	MessageGetter
	LabelLister
	MessageProfiler
}
