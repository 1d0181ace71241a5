/*
Copyright 2025 The eventprocessor Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package s3sink

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxBucketNameLength is the S3 bucket name limit.
const maxBucketNameLength = 63

// BucketName derives the destination bucket for a client: "{prefix}-{id}"
// lowercased, with every character outside [a-z0-9-] replaced by a hyphen
// and leading and trailing hyphens trimmed. Names over 63 characters are
// truncated and suffixed with a short hash of the full name so distinct
// long client ids keep distinct buckets.
func BucketName(prefix, clientID string) string {
	raw := strings.ToLower(prefix + "-" + clientID)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) <= maxBucketNameLength {
		return name
	}

	digest := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(digest[:])[:8]
	name = name[:maxBucketNameLength-len(suffix)-1]
	name = strings.TrimRight(name, "-")
	return name + "-" + suffix
}

// ObjectKey names the object holding one client's events for an export
// window: "events-YYYY-MM-DD-HH" from the window's start hour in UTC, a
// ".partNNNN" suffix when the buffer was split under memory pressure, and
// the format extension. A rerun of the same window produces the same key,
// so rewrites overwrite rather than accumulate.
func ObjectKey(windowStart time.Time, format string, chunk int) string {
	key := "events-" + windowStart.UTC().Format("2006-01-02-15")
	if chunk > 0 {
		key += fmt.Sprintf(".part%04d", chunk)
	}
	return key + "." + format
}
