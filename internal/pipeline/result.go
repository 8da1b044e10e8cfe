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

// Outcome is the terminal state of one Process call.
type Outcome int

const (
	Succeeded Outcome = iota
	SkippedFiltered
	SkippedNoAttachments
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case SkippedFiltered:
		return "skipped_filtered"
	case SkippedNoAttachments:
		return "skipped_no_attachments"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes what Process did with an item. Err is set only for
// Failed. RecordErrors counts attachments that were uploaded but whose
// insertion record could not be written.
type Result struct {
	MessageID    string
	Outcome      Outcome
	Archived     int
	RecordErrors int
	Err          error
}

func failed(id string, err error) Result {
	return Result{MessageID: id, Outcome: Failed, Err: err}
}
