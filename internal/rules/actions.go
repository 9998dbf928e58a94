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
	"sort"
	"strings"

	"github.com/matta/gmailrules/internal/message"

	"github.com/pkg/errors"
)

// ErrUnknownLabel is returned when a Move Message To destination names
// no known label.
var ErrUnknownLabel = errors.New("unknown label")

// Move Message To destinations that map onto system labels.
const (
	DestInbox     = "Inbox"
	DestSpam      = "Spam"
	DestImportant = "Important"
	DestTrash     = "Trash"
)

var systemDestinations = []string{DestInbox, DestSpam, DestImportant, DestTrash}

var systemLabels = map[string]string{
	DestInbox:     message.LabelInbox,
	DestSpam:      message.LabelSpam,
	DestImportant: message.LabelImportant,
	DestTrash:     message.LabelTrash,
}

// Labels resolves user label display names to label IDs.
type Labels struct {
	byName map[string]string
}

// NewLabels indexes a label catalogue.  Names match case-insensitively.
func NewLabels(catalog []message.Label) *Labels {
	l := &Labels{byName: make(map[string]string, len(catalog))}
	for _, label := range catalog {
		l.byName[strings.ToLower(label.Name)] = label.ID
	}
	return l
}

// Resolve returns the label ID for a Move Message To destination.
func (l *Labels) Resolve(dest string) (string, error) {
	if id, ok := systemLabels[dest]; ok {
		return id, nil
	}
	if l != nil {
		if id, ok := l.byName[strings.ToLower(dest)]; ok {
			return id, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownLabel, "%q", dest)
}

// labelSet tracks label changes where a later change to the same label
// wins.
type labelSet struct {
	add, remove map[string]bool
}

func (s *labelSet) addLabel(id string) {
	delete(s.remove, id)
	s.add[id] = true
}

func (s *labelSet) removeLabel(id string) {
	delete(s.add, id)
	s.remove[id] = true
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Modification returns the label change made by the collection's
// actions, applied in order.
func (c *Collection) Modification(labels *Labels) (message.Modification, error) {
	s := labelSet{add: map[string]bool{}, remove: map[string]bool{}}
	for _, a := range c.Actions {
		switch a.Type {
		case ActionMark:
			if a.Value == MarkRead {
				s.removeLabel(message.LabelUnread)
			} else {
				s.addLabel(message.LabelUnread)
			}
		case ActionMove:
			id, err := labels.Resolve(a.Value)
			if err != nil {
				return message.Modification{}, err
			}
			s.addLabel(id)
			if id != message.LabelInbox {
				s.removeLabel(message.LabelInbox)
			}
		default:
			return message.Modification{}, errors.Errorf("unknown action type %q", a.Type)
		}
	}
	return message.Modification{
		AddLabelIDs:    sortedKeys(s.add),
		RemoveLabelIDs: sortedKeys(s.remove),
	}, nil
}
