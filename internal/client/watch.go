package client

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/scriptbridge/internal/request"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watch triggers req every time its script changes, until ctx is done.
// Bursts of changes within the debounce window trigger once. onTrigger,
// when set, receives the result of every trigger.
//
// The script's directory is watched rather than the file, so editors that
// save by replacing the file are still seen.
func (c *Client) Watch(ctx context.Context, req request.RunRequest, onTrigger func(error)) error {
	script, err := filepath.Abs(req.ScriptPath())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", req.ScriptPath(), err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(script)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(script), err)
	}
	c.log.Info("watching %s", script)

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	fire := func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		err := c.Trigger(ctx, req)
		if err != nil {
			c.log.Warn("trigger: %v", err)
		}
		if onTrigger != nil {
			onTrigger(err)
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != script {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			mu.Lock()
			if timer != nil && timer.Stop() {
				wg.Done()
			}
			wg.Add(1)
			timer = time.AfterFunc(c.debounce, fire)
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watch: %v", err)
		}
	}
}
