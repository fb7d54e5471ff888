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
	"bytes"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic writes data to a temporary file in the same directory and renames
// it over path, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return errors.Wrapf(err, "chmod %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}

// SymlinkAtomic points link at target, replacing an existing link in one rename.
func SymlinkAtomic(target, link string) error {
	tmp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".tmp-link")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrapf(err, "symlink %s", tmp)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// SameContent reports whether path holds exactly data. A missing file differs from anything.
func SameContent(path string, data []byte) (bool, error) {
	cur, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(cur, data), nil
}

// WriteIfDifferent rewrites path only when its content differs from data, keeping
// the file's current mode when it exists.
func WriteIfDifferent(path string, data []byte) (bool, error) {
	same, err := SameContent(path, data)
	if err != nil || same {
		return false, err
	}
	perm := fs.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		perm = fi.Mode().Perm()
	}
	return true, WriteFileAtomic(path, data, perm)
}

func FileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
