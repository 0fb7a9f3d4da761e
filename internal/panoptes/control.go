package panoptes

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"panoptes-go/internal/fs"
)

// PipelineStats is a snapshot of the store, the journal and the pipeline's
// counters.
type PipelineStats struct {
	Store     *StoreStats   `json:"store"`
	History   *HistoryStats `json:"history"`
	Processed int64         `json:"processed"`
	Skipped   int64         `json:"skipped"`
	Failed    int64         `json:"failed"`
	Removed   int64         `json:"removed"`
	Retries   int64         `json:"retries"`
	Coalesced int64         `json:"coalesced"`
	InFlight  int64         `json:"in_flight"`
	Watching  []string      `json:"watching"`
}

// Run watches the configured roots and processes events until ctx is done
// or the watcher stops delivering. In-flight jobs finish before it returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.deps.Watcher == nil {
		return E(KindConfig, "run", errors.New("watcher is required"))
	}

	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return E(KindBusy, "run", errors.New("pipeline is already running"))
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	defer func() {
		cancel()
		p.wg.Wait()
		p.mu.Lock()
		p.cancel, p.done = nil, nil
		p.mu.Unlock()
		close(done)
		p.logger.Info("pipeline stopped")
	}()

	for _, root := range p.cfg.Roots {
		if err := p.deps.Watcher.Watch(root); err != nil {
			return err
		}
	}
	events := p.deps.Watcher.Start(ctx)
	roots := p.deps.Watcher.WatchedPaths()
	p.logger.Info("pipeline started", "roots", roots, "max_jobs", p.cfg.MaxJobs)

	if p.cfg.ProcessExisting {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for _, root := range roots {
				if _, err := p.Scan(ctx, root); err != nil && ctx.Err() == nil {
					p.logger.Warn("failed to process existing files", "root", root, "error", err)
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Dispatch(ctx, ev)
		}
	}
}

// Stop cancels a running Run and waits for it to drain. It is a no-op when
// the pipeline is idle.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Process handles ev synchronously, or coalesces it when its path is
// already being processed.
func (p *Pipeline) Process(ctx context.Context, ev FileEvent) {
	if !p.sched.begin(ev) {
		p.coalesced.Add(1)
		return
	}
	p.runSlot(ctx, ev)
}

// Scan processes every file under root as Created, at most MaxJobs at a
// time. It returns the number of files found.
func (p *Pipeline) Scan(ctx context.Context, root string) (int, error) {
	root, info, err := fs.Resolve(root)
	if err != nil {
		return 0, PathError(KindOf(err), "scan", root, err)
	}
	if !info.IsDir() {
		return 0, PathError(KindInvalidFileType, "scan", root, errors.New("not a directory"))
	}

	files, err := fs.FindFiles(root, p.cfg.Recursive, func(path string, isDir bool) bool {
		return isDir && p.filter.SkipDir(path)
	})
	if err != nil {
		return 0, PathError(KindOf(err), "scan", root, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxJobs)
	now := p.clock.Now()
	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		ev := FileEvent{Path: f, Kind: Created, Time: now}
		if !p.sched.begin(ev) {
			p.coalesced.Add(1)
			continue
		}
		g.Go(func() error {
			p.runSlot(gctx, ev)
			return nil
		})
	}
	g.Wait()

	p.logger.Info("scan complete", "root", root, "files", len(files))
	return len(files), ctx.Err()
}

// AddWatch starts watching path.
func (p *Pipeline) AddWatch(path string) error {
	if p.deps.Watcher == nil {
		return E(KindConfig, "add watch", errors.New("no watcher configured"))
	}
	return p.deps.Watcher.Watch(path)
}

// RemoveWatch stops watching path.
func (p *Pipeline) RemoveWatch(path string) error {
	if p.deps.Watcher == nil {
		return E(KindConfig, "remove watch", errors.New("no watcher configured"))
	}
	return p.deps.Watcher.Unwatch(path)
}

// Watches returns the watched roots.
func (p *Pipeline) Watches() []string {
	if p.deps.Watcher == nil {
		return nil
	}
	return p.deps.Watcher.WatchedPaths()
}

func (p *Pipeline) Stats(ctx context.Context) (*PipelineStats, error) {
	store, err := p.deps.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	history, err := p.deps.Journal.Stats()
	if err != nil {
		return nil, err
	}
	return &PipelineStats{
		Store:     store,
		History:   history,
		Processed: p.processed.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
		Removed:   p.removed.Load(),
		Retries:   p.retries.Load(),
		Coalesced: p.coalesced.Load(),
		InFlight:  p.inFlight.Load(),
		Watching:  p.Watches(),
	}, nil
}

// ListRecent returns the n most recently analyzed files.
func (p *Pipeline) ListRecent(ctx context.Context, n int) ([]*FileRecord, error) {
	return p.deps.Store.ListFiles(ctx, n, 0)
}

// History returns the n most recent journal entries.
func (p *Pipeline) History(n int) ([]*HistoryEntry, error) {
	return p.deps.Journal.Last(n)
}

// UndoLast undoes up to n pending journal entries, newest first, keeping
// the store in step with each one. It stops at the first failure and
// returns the ids undone before it.
func (p *Pipeline) UndoLast(ctx context.Context, n int) ([]string, error) {
	hook := func(op Operation) error {
		return p.reverseTag(ctx, op)
	}

	var undone []string
	for len(undone) < n {
		pending, err := p.deps.Journal.Undoable()
		if err != nil {
			return undone, err
		}
		if len(pending) == 0 {
			break
		}
		entry := pending[len(pending)-1]
		if err := p.deps.Journal.UndoWith(entry.ID, hook); err != nil {
			return undone, err
		}
		p.reconcile(ctx, entry.Operation)
		undone = append(undone, entry.ID)
	}
	return undone, nil
}

// reverseTag applies the inverse of a tag operation to the store.
func (p *Pipeline) reverseTag(ctx context.Context, op Operation) error {
	rec, err := p.deps.Store.GetFileByPath(ctx, op.File)
	if err != nil || rec == nil {
		return err
	}
	switch op.Type {
	case OpTagAdded:
		tag, err := p.deps.Store.GetTagByName(ctx, op.Tag)
		if err != nil || tag == nil {
			return err
		}
		_, err = p.deps.Store.RemoveFileTag(ctx, rec.ID, tag.ID)
		return err
	case OpTagRemoved:
		tag, err := p.deps.Store.GetOrCreateTag(ctx, op.Tag)
		if err != nil {
			return err
		}
		_, err = p.deps.Store.AddFileTag(ctx, rec.ID, tag.ID)
		return err
	}
	return nil
}

// reconcile updates the store after the filesystem part of op was undone.
func (p *Pipeline) reconcile(ctx context.Context, op Operation) {
	switch op.Type {
	case OpRename:
		p.evict(op.To)
		rec, err := p.deps.Store.GetFileByPath(ctx, op.To)
		if err != nil {
			p.logger.Warn("failed to load renamed record", "path", op.To, "error", err)
			return
		}
		if rec != nil {
			if err := p.deps.Store.MoveFile(ctx, rec.ID, op.From, filepath.Base(op.From)); err != nil {
				p.logger.Warn("failed to move record back", "from", op.To, "to", op.From, "error", err)
				return
			}
		}
		// The watcher reports the restored file as Created; it needs no new analysis.
		if info, err := os.Stat(op.From); err == nil {
			p.remember(op.From, stamp{size: info.Size(), mtime: info.ModTime()})
		}
	case OpDelete:
		p.Process(ctx, FileEvent{Path: op.Path, Kind: Created, Time: p.clock.Now()})
	case OpBatch:
		for i := len(op.Operations) - 1; i >= 0; i-- {
			p.reconcile(ctx, op.Operations[i])
		}
	}
}

// Trash moves path into the trash, journals the delete and drops its record.
// It returns the backup location.
func (p *Pipeline) Trash(ctx context.Context, path string) (string, error) {
	if p.deps.Trash == nil {
		return "", E(KindConfig, "trash", errors.New("no trash directory configured"))
	}
	abs, info, err := fs.Resolve(path)
	if err != nil {
		return "", PathError(KindOf(err), "trash", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", PathError(KindInvalidFileType, "trash", abs, errors.New("not a regular file"))
	}

	backup, err := p.deps.Trash.Put(abs)
	if err != nil {
		return "", err
	}
	if _, err := p.deps.Journal.RecordDelete(abs, backup); err != nil {
		return backup, err
	}
	p.evict(abs)
	if _, err := p.deps.Store.DeleteFileByPath(ctx, abs); err != nil {
		return backup, err
	}
	p.logger.Info("moved file to trash", "path", abs, "backup", backup)
	return backup, nil
}
