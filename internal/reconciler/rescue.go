package reconciler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"skylift/internal/events"
	"skylift/internal/logging"
	"skylift/internal/pathmap"
	"skylift/internal/records"
)

var mediaExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".ts":   true,
	".m2ts": true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".mpg":  true,
	".mpeg": true,
	".iso":  true,
}

// rescueScan walks the media root and replays every media file the durable
// records do not confirm as uploaded. Confirmed files only get their local
// copy removed when delete-after-upload is on.
func (r *Reconciler) rescueScan(ctx context.Context) error {
	if r.sink == nil || r.mediaRoot == "" {
		return nil
	}

	return filepath.WalkDir(r.mediaRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			r.logger.Warn("rescue scan entry skipped",
				logging.String(logging.FieldSourcePath, p),
				logging.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !mediaExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		if _, ok := pathmap.Map(p, r.mappings); !ok {
			return nil
		}

		rec, err := r.records.GetBySourcePath(ctx, p, records.StorageRemote)
		if err != nil {
			r.logger.Error("rescue record lookup failed",
				logging.String(logging.FieldSourcePath, p),
				logging.Error(err))
			return nil
		}
		if rec != nil && rec.IsRemoteConfirmed() {
			if r.deleteAfterUpload {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					r.logger.Warn("remove uploaded local file", logging.Error(err))
				} else {
					r.logger.Info("uploaded local file removed",
						logging.String(logging.FieldSourcePath, p))
				}
			}
			return nil
		}

		r.replay(ctx, p, d, rec)
		return nil
	})
}

func (r *Reconciler) replay(ctx context.Context, p string, d fs.DirEntry, rec *records.TransferRecord) {
	var size int64
	if info, err := d.Info(); err == nil {
		size = info.Size()
	}
	// The download origin is unknown for a rescued file unless a prior
	// record remembered it.
	var releaseID, origin string
	if rec != nil {
		releaseID = rec.ReleaseID
		origin = rec.OriginPath
	}

	err := r.sink.HandleFileOrganized(ctx, events.FileOrganized{
		ReleaseID:   releaseID,
		SourcePath:  origin,
		DestPath:    p,
		DestStorage: records.StorageLocal,
		Size:        size,
	})
	if err != nil {
		r.logger.Error("rescue replay failed",
			logging.String(logging.FieldSourcePath, p),
			logging.Error(err))
		return
	}
	r.countRescued()
	r.logger.Info("file rescued",
		logging.String(logging.FieldSourcePath, p))
}
