// SPDX-FileCopyrightText: 2022-present Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package factory

import (
	"github.com/fsnotify/fsnotify"

	"github.com/omec-project/mme/logger"
)

// WatchConfig reloads the configuration into MmeConfig whenever the file on
// disk changes; UpdateMmeConfig logs which of the attributes it compares
// changed. The MME context seeded from the configuration at start is not
// re-seeded, so a reload does not change the GUMMEI, TAI, feature or
// security settings the running MME uses, and identifiers already assigned
// to UEs are never rewritten.
func WatchConfig(f string, done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(f); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.CfgLog.Infof("config file %s changed, reloading", event.Name)
					if err := UpdateMmeConfig(f); err != nil {
						logger.CfgLog.Errorf("config reload failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.CfgLog.Errorf("config watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return nil
}
