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

package pipeline

import (
	"encoding/base64"
	"strings"
)

// decodeAttachment decodes the provider's URL-safe base64 payload. Padding
// is optional.
func decodeAttachment(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
}
