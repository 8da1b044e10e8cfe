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

// Package models defines the data structures shared across the archiver.
package models

import "time"

// DefaultContentType is used when a part does not declare a MIME type.
const DefaultContentType = "application/octet-stream"

// Attachment is a file attached to an Item. Data stays nil until the
// pipeline fetches the bytes for this attachment.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// Item is a normalized mail item. It is built once per provider payload and
// never mutated afterwards; the mail store remains the source of truth.
type Item struct {
	ID            string       `json:"id"`
	Subject       string       `json:"subject"`
	SenderName    string       `json:"sender_name"`
	SenderAddress string       `json:"sender_address"`
	ReceivedAt    time.Time    `json:"received_at"`
	Attachments   []Attachment `json:"attachments"`
}

// InsertionRecord is the warehouse row written for each uploaded
// (item, attachment) pair. DedupKey is the warehouse insert ID.
type InsertionRecord struct {
	DedupKey      string    `json:"-"`
	MessageID     string    `json:"message_id"`
	ReceivedAt    time.Time `json:"received_at"`
	SenderName    string    `json:"sender_name"`
	SenderAddress string    `json:"sender_address"`
	Subject       string    `json:"subject"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type"`
	Extension     string    `json:"extension"`
	StorageURL    string    `json:"gcs_url"`
	StoragePath   string    `json:"gcs_path"`
	ProcessedAt   time.Time `json:"processed_at"`
}
