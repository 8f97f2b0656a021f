package uploader

import (
	"context"
	"path"

	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
)

// findSuperseded locates a prior confirmed remote version of the same
// logical file: for series, a sibling in the destination directory carrying
// the same season/episode slot; for movies, any other confirmed file in the
// destination directory. The caller deletes it only after the replacement
// upload succeeds.
func (p *Pool) findSuperseded(ctx context.Context, task *tasks.Task, job Job) (*records.TransferRecord, error) {
	destDir := path.Dir(job.RemotePath)
	siblings, err := p.records.ListByDestDir(ctx, destDir)
	if err != nil {
		return nil, err
	}

	newName := path.Base(job.RemotePath)
	slot, hasSlot := release.EpisodeSlot(newName)

	for _, rec := range siblings {
		if !rec.IsRemoteConfirmed() {
			continue
		}
		if rec.SourcePath == job.LocalPath || rec.DestPath == job.RemotePath {
			continue
		}
		if task.MediaType == release.MediaMovie {
			return rec, nil
		}
		if !hasSlot {
			continue
		}
		if oldSlot, ok := release.EpisodeSlot(path.Base(rec.DestPath)); ok && oldSlot == slot {
			return rec, nil
		}
	}
	return nil, nil
}
