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
	"context"
	"path/filepath"

	"github.com/cloudwego/fevcoder/internal/log"
	"github.com/fsnotify/fsnotify"
)

// WatchFile calls onChange whenever path is written, created or replaced, until ctx
// is done. The parent directory is watched because editors often save by rename.
func WatchFile(ctx context.Context, path string, onChange func(fsnotify.Event)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapError(err, "create watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return WrapError(err, "watch %s", filepath.Dir(abs))
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange(ev)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("watch %s: %v", abs, err)
			}
		}
	}()
	return nil
}
