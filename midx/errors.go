// Copyright 2024 The gg-midx Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package midx

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Find when no object in the multi-pack-index
// matches the given prefix.
var ErrNotFound = errors.New("multi-pack-index: object not found")

// ErrAmbiguous is returned by Find when more than one object in the
// multi-pack-index shares the given prefix.
var ErrAmbiguous = errors.New("multi-pack-index: ambiguous prefix")

// FormatError reports a violation of one of the multi-pack-index file
// format's invariants (see spec §3). It is permanent: retrying the same
// bytes will not succeed.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid multi-pack-index file - %s", e.Detail)
}

func formatErrorf(format string, args ...interface{}) error {
	return &FormatError{Detail: fmt.Sprintf(format, args...)}
}
