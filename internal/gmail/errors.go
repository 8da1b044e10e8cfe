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
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrNotFound reports a message, attachment or label that does not exist.
	ErrNotFound = errors.New("gmail: not found")

	// ErrUnavailable reports that the circuit breaker rejected the call.
	ErrUnavailable = errors.New("gmail: circuit open")
)

func breakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Client errors say nothing about Gmail's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
	}
}

// execute runs fn through the circuit breaker.
func (c *Client) execute(op string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil && tripsBreaker(err) {
		slog.Warn("gmail call failed",
			"operation", op,
			"breaker_state", c.cb.State().String(),
			"error", err,
		)
	}
	return err
}

// tripsBreaker reports whether err is a server-side or transport failure.
// Unclassified errors (network, timeouts) count against the breaker.
func tripsBreaker(err error) bool {
	switch code := statusCode(err); {
	case code == 429:
		return true
	case code >= 500:
		return true
	case code >= 400:
		return false
	}
	return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// isAuthError is true for a 401 or a token refresh the server refused.
func isAuthError(err error) bool {
	if statusCode(err) == 401 {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}
