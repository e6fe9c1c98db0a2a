package reader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/google/uuid"
)

// GeneratePath returns a fresh absolute path below dir for a resource
// called name. The extension of name is kept so the format can still be
// inferred from the path.
func GeneratePath(dir, name string) (string, error) {
	if dir == "" {
		return "", errors.New(errors.ErrorTypeConfig, "no datasets directory configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeConfig, "invalid datasets directory %s", dir)
	}

	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	file := uuid.NewString() + ext
	if stem != "" && stem != "." && stem != string(filepath.Separator) {
		file = stem + "-" + file
	}
	return filepath.Join(abs, file), nil
}

// Stage copies src into a new file below dir and returns its path. The
// caller owns the file and removes it when done.
func Stage(ctx context.Context, dir, name string, src io.Reader) (string, error) {
	path, err := GeneratePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to create datasets directory %s", dir)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // G304: path is generated
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to create %s", path)
	}

	_, err = io.Copy(f, &contextReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errors.FromContext(ctxErr, "staging interrupted")
		}
		return "", errors.Wrapf(err, errors.ErrorTypeFile, "failed to stage %s", name)
	}
	return path, nil
}

// contextReader stops reading once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
