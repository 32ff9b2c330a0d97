// Package attachments uploads message attachments ahead of a send.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/npezzotti/go-chatsync/internal/types"
)

var ErrInvalidName = errors.New("invalid file name")

// File is an attachment waiting to be uploaded.
type File struct {
	Name string
	Data []byte
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, destinationPath, name string) (types.Attachment, error)
}

// UploadError reports the file that could not be uploaded. A send that hits
// it is abandoned.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Path is the destination for attachments of roomId.
func Path(roomId string) string {
	return "rooms/" + roomId
}

// UploadAll uploads files in order and stops at the first failure.
func UploadAll(ctx context.Context, u Uploader, destinationPath string, files []File) ([]types.Attachment, error) {
	out := make([]types.Attachment, 0, len(files))
	for _, f := range files {
		att, err := u.Upload(ctx, f.Data, destinationPath, f.Name)
		if err != nil {
			var uploadErr *UploadError
			if errors.As(err, &uploadErr) {
				return nil, err
			}
			return nil, &UploadError{Name: f.Name, Err: err}
		}
		out = append(out, att)
	}
	return out, nil
}

// DiskUploader stores attachments below a directory served at baseURL.
type DiskUploader struct {
	root    string
	baseURL string
	now     func() time.Time
}

var _ Uploader = (*DiskUploader)(nil)

func NewDiskUploader(root, baseURL string) *DiskUploader {
	return &DiskUploader{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Upload writes data to <destinationPath>/<unixMillis>_<name> and sniffs its
// MIME type from the content.
func (d *DiskUploader) Upload(ctx context.Context, data []byte, destinationPath, name string) (types.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return types.Attachment{}, &UploadError{Name: name, Err: err}
	}

	base := filepath.Base(name)
	if name == "" || base != name || base == "." || base == ".." {
		return types.Attachment{}, &UploadError{Name: name, Err: ErrInvalidName}
	}

	// rooted clean keeps the destination inside the upload directory
	dest := strings.TrimPrefix(path.Clean("/"+destinationPath), "/")
	fileName := fmt.Sprintf("%d_%s", d.now().UnixMilli(), base)

	dir := filepath.Join(d.root, filepath.FromSlash(dest))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Attachment{}, &UploadError{Name: name, Err: err}
	}

	if err := os.WriteFile(filepath.Join(dir, fileName), data, 0o644); err != nil {
		return types.Attachment{}, &UploadError{Name: name, Err: err}
	}

	return types.Attachment{
		Name: base,
		Type: mimetype.Detect(data).String(),
		URL:  d.baseURL + "/" + path.Join(dest, url.PathEscape(fileName)),
	}, nil
}
