package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"

	"github.com/hyperjump/nagare/internal/faults"
)

// FileFetcher reads file:// references from the local filesystem.
type FileFetcher struct{}

// Fetch reads up to limit bytes (0 = unlimited). A missing file or a directory is permanent;
// other I/O errors are transient.
func (FileFetcher) Fetch(ctx context.Context, ref *url.URL, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.Transient(err)
	}
	p := ref.Path
	if p == "" {
		p = ref.Opaque
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, faults.Validation(fmt.Errorf("open source: %w", err))
		}
		return nil, faults.Transient(fmt.Errorf("open source: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("stat source: %w", err))
	}
	if info.IsDir() {
		return nil, faults.Validationf("source %s is a directory", p)
	}
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read source: %w", err))
	}
	return data, nil
}
