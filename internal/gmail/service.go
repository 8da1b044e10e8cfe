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

package gmail

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Scopes are the OAuth scopes the archiver needs: read messages, change
// their labels and create labels.
var Scopes = []string{
	gmailv1.GmailModifyScope,
	gmailv1.GmailLabelsScope,
}

// Credentials selects how the service authenticates. With all three fields
// set a stored refresh token is used; otherwise application default
// credentials apply.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c Credentials) hasRefreshToken() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// NewService builds an authenticated Gmail service.
func NewService(ctx context.Context, creds Credentials, opts ...option.ClientOption) (*gmailv1.Service, error) {
	// Token refreshes outlive the caller's context.
	tokenCtx := context.WithoutCancel(ctx)

	if creds.hasRefreshToken() {
		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       Scopes,
		}
		ts := conf.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: creds.RefreshToken})
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	} else {
		ts, err := google.DefaultTokenSource(tokenCtx, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}

	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}
