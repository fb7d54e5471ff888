// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"fmt"

	"github.com/pkg/errors"
)

// WrapError annotates err with a formatted message. It returns nil for a nil err.
// The cause stays reachable through errors.Is / errors.As.
func WrapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, fmt.Sprintf(format, args...))
}

// MultiError joins several failures into one error value.
type MultiError []error

func (m MultiError) Error() string {
	switch len(m) {
	case 0:
		return ""
	case 1:
		return m[0].Error()
	}
	s := fmt.Sprintf("%d errors:", len(m))
	for _, e := range m {
		s += "\n\t" + e.Error()
	}
	return s
}

// ErrOrNil returns m as an error, or nil when it is empty.
func (m MultiError) ErrOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}
