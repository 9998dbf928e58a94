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

// Package rules loads and evaluates the JSON rules file.
//
// A rules file holds a list of collections.  Each collection combines
// its rules with All or Any and, when it matches a message, contributes
// its actions to that message's label modification.
package rules

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Field string

const (
	FieldFrom         Field = "From"
	FieldTo           Field = "To"
	FieldSubject      Field = "Subject"
	FieldMessage      Field = "Message"
	FieldDateReceived Field = "Date Received"
)

type Operator string

const (
	OpContains    Operator = "contains"
	OpNotContains Operator = "does not contain"
	OpEquals      Operator = "is equal to"
	OpNotEquals   Operator = "is not equal to"
	OpLessThan    Operator = "is less than"
	OpGreaterThan Operator = "is greater than"
)

// Combinator joins the rules of a collection.
type Combinator string

const (
	CombineAll Combinator = "All"
	CombineAny Combinator = "Any"
)

type ActionType string

const (
	ActionMark ActionType = "Mark Message As"
	ActionMove ActionType = "Move Message To"
)

// Values of a Mark Message As action.
const (
	MarkRead   = "Read"
	MarkUnread = "Unread"
)

// MatchMode decides how many matching collections apply to a message.
type MatchMode string

const (
	// MatchAll applies every matching collection.
	MatchAll MatchMode = "all"

	// MatchFirst applies only the first matching collection in file
	// order.
	MatchFirst MatchMode = "first"
)

// Value is a rule operand.  The file may spell it as a JSON string or
// number.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Errorf("value must be a string or number, got %s", b)
	}
	*v = Value(n.String())
	return nil
}

type Rule struct {
	Field    Field    `json:"field_name"`
	Operator Operator `json:"predicate"`
	Value    Value    `json:"value"`

	// Set by validation for FieldDateReceived.
	age *Age
}

type Action struct {
	Type  ActionType `json:"type"`
	Value string     `json:"value"`
}

type Collection struct {
	Description string     `json:"description"`
	Predicate   Combinator `json:"predicate"`
	Rules       []Rule     `json:"rules"`
	Actions     []Action   `json:"actions"`
}

type Config struct {
	Match       MatchMode    `json:"match"`
	Collections []Collection `json:"collections"`
}

// Age is a "N days", "N months" or "N years" duration.
type Age struct {
	N    int
	Unit string
}

var agePattern = regexp.MustCompile(`^(\d+)\s+(days|months|years)$`)

func ParseAge(s string) (*Age, error) {
	m := agePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, errors.Errorf("invalid duration %q, want \"N days\", \"N months\" or \"N years\"", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid duration %q", s)
	}
	if n <= 0 {
		return nil, errors.Errorf("invalid duration %q, N must be positive", s)
	}
	return &Age{N: n, Unit: m[2]}, nil
}

// Before returns the instant the age lies before now.  Months and
// years follow calendar arithmetic, clamping to the end of a shorter
// month: one month before March 31 is the last day of February.
func (a *Age) Before(now time.Time) time.Time {
	switch a.Unit {
	case "months":
		return addMonths(now, -a.N)
	case "years":
		return addMonths(now, -12*a.N)
	}
	return now.AddDate(0, 0, -a.N)
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	// Day 1 never normalizes into the following month.
	first := time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// canonical returns the member of values equal to s ignoring case and
// surrounding space.
func canonical[T ~string](s T, values ...T) (T, bool) {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(string(s)), string(v)) {
			return v, true
		}
	}
	return s, false
}

func (r *Rule) validate() error {
	var ok bool
	if r.Field, ok = canonical(r.Field, FieldFrom, FieldTo, FieldSubject, FieldMessage, FieldDateReceived); !ok {
		return errors.Errorf("unknown field_name %q", r.Field)
	}
	if r.Operator, ok = canonical(r.Operator, OpContains, OpNotContains, OpEquals, OpNotEquals, OpLessThan, OpGreaterThan); !ok {
		return errors.Errorf("unknown predicate %q", r.Operator)
	}
	if r.Field != FieldDateReceived {
		return nil
	}
	if r.Operator == OpContains || r.Operator == OpNotContains {
		return errors.Errorf("predicate %q does not apply to %q", r.Operator, r.Field)
	}
	age, err := ParseAge(string(r.Value))
	if err != nil {
		return err
	}
	r.age = age
	return nil
}

func (a *Action) validate() error {
	var ok bool
	if a.Type, ok = canonical(a.Type, ActionMark, ActionMove); !ok {
		return errors.Errorf("unknown action type %q", a.Type)
	}
	a.Value = strings.TrimSpace(a.Value)
	switch a.Type {
	case ActionMark:
		if a.Value, ok = canonical(a.Value, MarkRead, MarkUnread); !ok {
			return errors.Errorf("unknown %q value %q", a.Type, a.Value)
		}
	case ActionMove:
		if a.Value == "" {
			return errors.Errorf("%q needs a destination", a.Type)
		}
		if dest, ok := canonical(a.Value, systemDestinations...); ok {
			a.Value = dest
		}
	}
	return nil
}

// Validate checks every collection and normalizes enum spellings.
func (c *Config) Validate() error {
	var ok bool
	if c.Match == "" {
		c.Match = MatchAll
	}
	if c.Match, ok = canonical(c.Match, MatchAll, MatchFirst); !ok {
		return errors.Errorf("unknown match mode %q", c.Match)
	}
	for i := range c.Collections {
		coll := &c.Collections[i]
		if coll.Predicate, ok = canonical(coll.Predicate, CombineAll, CombineAny); !ok {
			return errors.Errorf("collection %d (%q): unknown predicate %q", i, coll.Description, coll.Predicate)
		}
		for j := range coll.Rules {
			if err := coll.Rules[j].validate(); err != nil {
				return errors.Wrapf(err, "collection %d (%q) rule %d", i, coll.Description, j)
			}
		}
		if len(coll.Actions) == 0 {
			return errors.Errorf("collection %d (%q): no actions", i, coll.Description)
		}
		for j := range coll.Actions {
			if err := coll.Actions[j].validate(); err != nil {
				return errors.Wrapf(err, "collection %d (%q) action %d", i, coll.Description, j)
			}
		}
	}
	return nil
}

// Parse decodes and validates a rules document.
func Parse(r io.Reader) (*Config, error) {
	var c Config
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decoding rules")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the rules file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening rules file")
	}
	defer f.Close()
	c, err := Parse(f)
	return c, errors.Wrapf(err, "rules file %q", path)
}
