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

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLocalDir is the root used by local emulation.
const DefaultLocalDir = "local_storage"

// Local stores objects under a directory as {base}/{bucket}/{path}.
type Local struct {
	base string
}

// NewLocal creates the base directory if needed.
func NewLocal(base string) (*Local, error) {
	if base == "" {
		base = DefaultLocalDir
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	return &Local{base: abs}, nil
}

// Put writes data to disk. contentType is not persisted.
func (l *Local) Put(ctx context.Context, bucket, path string, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	full := filepath.Join(l.base, bucket, filepath.FromSlash(path))
	if !strings.HasPrefix(full, l.base+string(filepath.Separator)) {
		return Object{}, fmt.Errorf("path %q escapes storage root", path)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("write %s: %w", full, err)
	}

	slog.Info("saved file locally", "path", full, "size", len(data))

	uri := "file://" + filepath.ToSlash(full)
	return Object{URL: uri, URI: uri}, nil
}
