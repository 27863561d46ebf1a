/*
Copyright 2017 The Kubernetes Authors.

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

package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Agent watches a config file and hot-reloads it, handing components a
// consistent read-only snapshot via Config().
type Agent struct {
	mut sync.RWMutex
	c   *Config
}

// Config returns the most recently loaded snapshot.
func (a *Agent) Config() *Config {
	a.mut.RLock()
	defer a.mut.RUnlock()
	return a.c
}

func (a *Agent) set(c *Config) {
	a.mut.Lock()
	defer a.mut.Unlock()
	a.c = c
}

// Set replaces the current snapshot without going through a file load,
// for tests and embedders that build their Config programmatically.
func (a *Agent) Set(c *Config) {
	a.set(c)
}

// Start loads path once synchronously, then watches it for changes and
// reloads on write events. A failed reload is logged and the previous
// snapshot is kept in place.
func (a *Agent) Start(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	a.set(c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	go a.watch(watcher, path)
	return nil
}

func (a *Agent) watch(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := Load(path)
			if err != nil {
				logrus.WithError(err).WithField("path", path).Error("error reloading config")
				continue
			}
			a.set(c)
			logrus.WithField("path", path).Info("reloaded config")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Error("config watcher error")
		}
	}
}
