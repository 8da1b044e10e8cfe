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

// Package gmail is the mail-store adapter over the Gmail REST API. Every
// call runs through a circuit breaker that opens on server-side failures.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/invoicearchive/internal/parser"
)

const userID = "me"

// Client wraps a Gmail service for the authenticated user.
type Client struct {
	svc *gmailv1.Service
	cb  *gobreaker.CircuitBreaker

	mu       sync.Mutex
	labelIDs map[string]string

	authOnce      sync.Once
	onAuthFailure func(error)
}

// NewClient wraps svc.
func NewClient(svc *gmailv1.Service) *Client {
	return &Client{
		svc:      svc,
		cb:       gobreaker.NewCircuitBreaker(breakerSettings()),
		labelIDs: make(map[string]string),
	}
}

// OnAuthFailure registers fn to run the first time a call fails because
// the credentials were rejected. A revoked refresh token needs a human.
func (c *Client) OnAuthFailure(fn func(error)) {
	c.onAuthFailure = fn
}

// BreakerState reports the circuit breaker state for health output.
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// ListItems returns up to max message IDs matching a Gmail search query.
func (c *Client) ListItems(ctx context.Context, query string, max int64) ([]string, error) {
	var resp *gmailv1.ListMessagesResponse
	err := c.execute("ListItems", func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Messages.List(userID).Q(query).MaxResults(max).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "list messages")
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// GetItem fetches the full message and converts it for the parser.
func (c *Client) GetItem(ctx context.Context, id string) (*parser.RawItem, error) {
	var msg *gmailv1.Message
	err := c.execute("GetItem", func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, c.wrapError(err, "get message "+id)
	}
	return convertMessage(msg), nil
}

// GetAttachment returns the attachment body in Gmail's URL-safe base64.
func (c *Client) GetAttachment(ctx context.Context, itemID, attachmentID string) (string, error) {
	var body *gmailv1.MessagePartBody
	err := c.execute("GetAttachment", func() error {
		var apiErr error
		body, apiErr = c.svc.Users.Messages.Attachments.Get(userID, itemID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", c.wrapError(err, "get attachment")
	}
	return body.Data, nil
}

// ModifyLabels adds and removes label IDs on one message.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmailv1.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	err := c.execute("ModifyLabels", func() error {
		_, apiErr := c.svc.Users.Messages.Modify(userID, id, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return c.wrapError(err, "modify labels on "+id)
	}
	return nil
}

// ResolveLabel returns the ID for a label name, creating the label when it
// does not exist. IDs are cached for the life of the client.
func (c *Client) ResolveLabel(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	id, ok := c.labelIDs[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var resp *gmailv1.ListLabelsResponse
	err := c.execute("ListLabels", func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Labels.List(userID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", c.wrapError(err, "list labels")
	}

	for _, l := range resp.Labels {
		if l.Name == name {
			c.cacheLabel(name, l.Id)
			return l.Id, nil
		}
	}

	label := &gmailv1.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	var created *gmailv1.Label
	err = c.execute("CreateLabel", func() error {
		var apiErr error
		created, apiErr = c.svc.Users.Labels.Create(userID, label).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", c.wrapError(err, "create label "+name)
	}

	slog.Info("created gmail label", "label", name, "label_id", created.Id)
	c.cacheLabel(name, created.Id)
	return created.Id, nil
}

func (c *Client) cacheLabel(name, id string) {
	c.mu.Lock()
	c.labelIDs[name] = id
	c.mu.Unlock()
}

// LabelTotal returns how many messages currently carry the named label.
func (c *Client) LabelTotal(ctx context.Context, name string) (int, error) {
	id, err := c.ResolveLabel(ctx, name)
	if err != nil {
		return 0, err
	}

	var label *gmailv1.Label
	err = c.execute("GetLabel", func() error {
		var apiErr error
		label, apiErr = c.svc.Users.Labels.Get(userID, id).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return 0, c.wrapError(err, "get label "+name)
	}
	return int(label.MessagesTotal), nil
}

// WatchResult is the push registration returned by Watch.
type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

// Watch registers push notifications for changes to labelIDs on a Pub/Sub
// topic. Gmail keeps a watch for seven days.
func (c *Client) Watch(ctx context.Context, topic string, labelIDs []string) (WatchResult, error) {
	req := &gmailv1.WatchRequest{
		TopicName:         topic,
		LabelIds:          labelIDs,
		LabelFilterAction: "include",
	}

	var resp *gmailv1.WatchResponse
	err := c.execute("Watch", func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Watch(userID, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return WatchResult{}, c.wrapError(err, "watch")
	}

	return WatchResult{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// convertMessage maps the Gmail message to the parser's provider-neutral
// part tree.
func convertMessage(msg *gmailv1.Message) *parser.RawItem {
	raw := &parser.RawItem{
		ID:           msg.Id,
		InternalDate: strconv.FormatInt(msg.InternalDate, 10),
	}
	if msg.Payload != nil {
		raw.Payload = convertPart(msg.Payload)
	}
	return raw
}

func convertPart(p *gmailv1.MessagePart) *parser.Part {
	part := &parser.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, parser.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Body = &parser.Body{AttachmentID: p.Body.AttachmentId, Size: p.Body.Size}
	}
	for _, child := range p.Parts {
		if child != nil {
			part.Parts = append(part.Parts, convertPart(child))
		}
	}
	return part
}

// wrapError adds context, maps 404 to ErrNotFound and reports rejected
// credentials once.
func (c *Client) wrapError(err error, op string) error {
	if isAuthError(err) && c.onAuthFailure != nil {
		c.authOnce.Do(func() { c.onAuthFailure(err) })
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	if statusCode(err) == 404 {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
