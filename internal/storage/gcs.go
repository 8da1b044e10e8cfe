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

// Package storage writes attachment bytes to durable object storage.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Object is the location of an uploaded file.
type Object struct {
	// URL opens the object in a browser.
	URL string
	// URI is the canonical storage reference recorded in the warehouse.
	URI string
}

// GCS stores objects in Google Cloud Storage.
type GCS struct {
	client *storage.Client
}

// NewGCS creates a Cloud Storage client using application default
// credentials unless opts say otherwise.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client}, nil
}

// Put uploads data to bucket/path. An existing object at the same path is
// replaced, so retrying the same attachment is harmless.
func (g *GCS) Put(ctx context.Context, bucket, path string, data []byte, contentType string) (Object, error) {
	w := g.client.Bucket(bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("write gs://%s/%s: %w", bucket, path, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize gs://%s/%s: %w", bucket, path, err)
	}

	slog.Debug("uploaded object", "bucket", bucket, "storage_path", path, "size", len(data))

	return Object{
		URL: fmt.Sprintf("https://storage.cloud.google.com/%s/%s", bucket, path),
		URI: fmt.Sprintf("gs://%s/%s", bucket, path),
	}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
