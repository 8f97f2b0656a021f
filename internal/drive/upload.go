package drive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"skylift/internal/logging"
)

type uploadInitResponse struct {
	Reuse         bool   `json:"reuse"`
	FileID        string `json:"file_id"`
	RetrievalCode string `json:"pick_code"`
	UploadToken   string `json:"upload_token"`
}

type uploadCommitResponse struct {
	FileID        string `json:"file_id"`
	RetrievalCode string `json:"pick_code"`
}

// Upload transfers a local file to the remote path. The drive is
// content-addressed: init sends the SHA-1 digest first, and a hash match
// completes the upload without transferring bytes. Uploading the same
// content twice is therefore cheap, which makes retries safe.
func (c *HTTPClient) Upload(ctx context.Context, localPath, remotePath string) (FileHandle, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return FileHandle{}, errors.Wrapf(err, "stat %s", localPath)
	}

	digest, err := fileSHA1(localPath)
	if err != nil {
		return FileHandle{}, err
	}

	dirID, err := c.EnsureDirectory(ctx, path.Dir(remotePath))
	if err != nil {
		return FileHandle{}, err
	}

	var initResp uploadInitResponse
	err = c.request(ctx, http.MethodPost, "/files/upload/init", func(req *resty.Request) {
		req.SetBody(map[string]any{
			"parent_id": dirID,
			"file_name": path.Base(remotePath),
			"file_size": info.Size(),
			"file_sha1": digest,
		})
	}, &initResp)
	if err != nil {
		return FileHandle{}, err
	}

	if initResp.Reuse {
		c.logger.Info("instant upload via content hash",
			logging.String(logging.FieldSourcePath, localPath),
			logging.String(logging.FieldRemotePath, remotePath))
		return FileHandle{
			ID:            initResp.FileID,
			RetrievalCode: initResp.RetrievalCode,
			Size:          info.Size(),
			Instant:       true,
		}, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return FileHandle{}, errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	var commitResp uploadCommitResponse
	err = c.requestWith(ctx, c.uploadRest, http.MethodPut, "/files/upload/content", func(req *resty.Request) {
		// Rewind so a retried attempt sends the full file again.
		_, _ = f.Seek(0, io.SeekStart)
		req.SetQueryParam("token", initResp.UploadToken)
		req.SetHeader("Content-Type", "application/octet-stream")
		req.SetBody(f)
	}, &commitResp)
	if err != nil {
		return FileHandle{}, err
	}

	return FileHandle{
		ID:            commitResp.FileID,
		RetrievalCode: commitResp.RetrievalCode,
		Size:          info.Size(),
	}, nil
}

func fileSHA1(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", localPath)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
