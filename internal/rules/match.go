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

package rules

import (
	"strings"
	"time"

	"github.com/matta/gmailrules/internal/message"
)

func (r *Rule) text(rec *message.Record) string {
	switch r.Field {
	case FieldFrom:
		return rec.Sender
	case FieldTo:
		return rec.Recipient
	case FieldSubject:
		return rec.Subject
	case FieldMessage:
		return rec.Body
	}
	return ""
}

func (r *Rule) matchText(got string) bool {
	want := string(r.Value)
	switch r.Operator {
	case OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(got), strings.ToLower(want))
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	case OpLessThan:
		return got < want
	case OpGreaterThan:
		return got > want
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// matchDate compares the message's age with the rule's.  "Less than N
// days" means received after the cutoff.
func (r *Rule) matchDate(received, now time.Time) bool {
	cutoff := r.age.Before(now)
	switch r.Operator {
	case OpLessThan:
		return received.After(cutoff)
	case OpGreaterThan:
		return received.Before(cutoff)
	case OpEquals:
		return sameDay(received, cutoff)
	case OpNotEquals:
		return !sameDay(received, cutoff)
	}
	return false
}

// Matches reports whether rec satisfies r at time now.  r must have
// been validated.
func (r *Rule) Matches(rec *message.Record, now time.Time) bool {
	if r.Field == FieldDateReceived {
		if r.age == nil {
			return false
		}
		return r.matchDate(rec.ReceivedAt, now)
	}
	return r.matchText(r.text(rec))
}

// Matches reports whether rec satisfies the collection.  A collection
// without rules never matches.
func (c *Collection) Matches(rec *message.Record, now time.Time) bool {
	if len(c.Rules) == 0 {
		return false
	}
	for i := range c.Rules {
		m := c.Rules[i].Matches(rec, now)
		if c.Predicate == CombineAny && m {
			return true
		}
		if c.Predicate == CombineAll && !m {
			return false
		}
	}
	return c.Predicate == CombineAll
}

// Select returns the indexes of the collections that apply to rec
// under c.Match.
func (c *Config) Select(rec *message.Record, now time.Time) []int {
	var out []int
	for i := range c.Collections {
		if !c.Collections[i].Matches(rec, now) {
			continue
		}
		out = append(out, i)
		if c.Match == MatchFirst {
			break
		}
	}
	return out
}
