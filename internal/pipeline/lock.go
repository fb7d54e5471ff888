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

package pipeline

import (
	"os"

	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/pkg/errors"
)

// lockFile removes write permission from path so that an editor cannot save
// over it while a generator call is in flight. The returned function restores
// the original mode and must always be called.
func lockFile(path string) (func(), error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "lock artifact")
	}
	mode := fi.Mode().Perm()
	if err := os.Chmod(path, mode&^0o222); err != nil {
		return nil, errors.Wrap(err, "lock artifact")
	}
	return func() {
		if err := os.Chmod(path, mode); err != nil {
			log.Error("restore permissions of %s: %v", path, err)
		}
	}, nil
}
