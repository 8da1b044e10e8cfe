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

// Package parser converts a provider message payload into a normalized
// models.Item. Parsing is total: malformed input degrades to placeholders
// instead of failing.
package parser

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/bcem/invoicearchive/internal/models"
)

const (
	// NoSubject replaces a missing Subject header.
	NoSubject = "(no subject)"
)

// Header is a single name/value header pair.
type Header struct {
	Name  string
	Value string
}

// Body describes where a part's content lives. AttachmentID is set only
// for content that must be fetched separately.
type Body struct {
	AttachmentID string
	Size         int64
}

// Part is one node of a MIME-like part tree.
type Part struct {
	MimeType string
	Filename string
	Headers  []Header
	Body     *Body
	Parts    []*Part
}

// RawItem is the provider payload for one message. InternalDate is the
// receive time in epoch milliseconds, as text.
type RawItem struct {
	ID           string
	InternalDate string
	Payload      *Part
}

// timeNow is swapped in tests.
var timeNow = time.Now

// Parse builds an Item from a raw payload.
func Parse(raw *RawItem) models.Item {
	if raw == nil {
		raw = &RawItem{}
	}

	var headers []Header
	if raw.Payload != nil {
		headers = raw.Payload.Headers
	}

	subject := headerValue(headers, "Subject")
	if subject == "" {
		subject = NoSubject
	}

	name, address := parseSender(headerValue(headers, "From"))
	if name == "" {
		name = address
	}

	var attachments []models.Attachment
	if raw.Payload != nil {
		attachments = findAttachments([]*Part{raw.Payload}, nil)
	}

	return models.Item{
		ID:            raw.ID,
		Subject:       subject,
		SenderName:    name,
		SenderAddress: address,
		ReceivedAt:    parseInternalDate(raw.ID, raw.InternalDate),
		Attachments:   attachments,
	}
}

// headerValue returns the first header with the given name, compared
// case-insensitively.
func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}

// parseSender splits a From header into display name and address.
// "Amazon <info@amazon.co.jp>" -> ("Amazon", "info@amazon.co.jp").
func parseSender(raw string) (name, address string) {
	if raw == "" {
		return "", ""
	}

	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Name, addr.Address
	}

	// Some senders put several addresses in From; the first one wins.
	if list, err := mail.ParseAddressList(raw); err == nil && len(list) > 0 {
		return list[0].Name, list[0].Address
	}

	slog.Debug("unparseable sender header, using raw value", "from", raw)
	return "", raw
}

// parseInternalDate converts epoch milliseconds to a UTC time, falling back
// to the current time when the value cannot be read.
func parseInternalDate(itemID, ms string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64)
	if err != nil {
		slog.Warn("invalid internal date, using current time",
			"message_id", itemID,
			"internal_date", ms,
		)
		return timeNow().UTC()
	}
	return time.UnixMilli(n).UTC()
}

// findAttachments walks the part tree in pre-order. A part is an attachment
// when it has a filename and an attachment ID; children are always visited.
func findAttachments(parts []*Part, found []models.Attachment) []models.Attachment {
	for _, p := range parts {
		if p == nil {
			continue
		}

		if p.Filename != "" && p.Body != nil && p.Body.AttachmentID != "" {
			mimeType := p.MimeType
			if mimeType == "" {
				mimeType = models.DefaultContentType
			}
			found = append(found, models.Attachment{
				ID:       p.Body.AttachmentID,
				Filename: p.Filename,
				MimeType: mimeType,
				Size:     p.Body.Size,
			})
		}

		if len(p.Parts) > 0 {
			found = findAttachments(p.Parts, found)
		}
	}
	return found
}
