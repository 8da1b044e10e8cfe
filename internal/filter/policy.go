// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filter decides whether an item is in scope for archiving based on
// its sender address and subject.
package filter

import "strings"

// Policy is an allow-list over sender domains and subject keywords.
// Matching is case-insensitive substring matching.
type Policy struct {
	domains  []string
	keywords []string
}

// NewPolicy builds a policy. Blank entries are ignored.
func NewPolicy(domains, keywords []string) *Policy {
	return &Policy{
		domains:  normalize(domains),
		keywords: normalize(keywords),
	}
}

// Allowed reports whether an item passes the policy. With neither list
// configured everything passes. Otherwise a single match in either list is
// enough.
func (p *Policy) Allowed(senderAddress, subject string) bool {
	if p == nil || (len(p.domains) == 0 && len(p.keywords) == 0) {
		return true
	}

	sender := strings.ToLower(senderAddress)
	for _, d := range p.domains {
		if strings.Contains(sender, d) {
			return true
		}
	}

	subj := strings.ToLower(subject)
	for _, k := range p.keywords {
		if strings.Contains(subj, k) {
			return true
		}
	}

	return false
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
