package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Upload copies files into targetPath inside the container as a tar archive.
// Missing directories in targetPath are created.
func (b *Backend) Upload(ctx context.Context, id string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	if _, err := b.api.ContainerInspect(ctx, id); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return nil, unavailable("inspecting container", err)
	}

	target := path.Clean("/" + targetPath)

	if !overwrite {
		for _, f := range files {
			_, err := b.api.ContainerStatPath(ctx, id, path.Join(target, f.Name))
			if err == nil {
				return nil, fmt.Errorf("%w: file '%s' already exists, set overwrite=true to replace it", sandbox.ErrConflict, f.Name)
			}
			if !errdefs.IsNotFound(err) {
				return nil, unavailable("checking existing file", err)
			}
		}
	}

	archive, names, err := tarFiles(strings.TrimPrefix(target, "/"), files, time.Now())
	if err != nil {
		return nil, fmt.Errorf("building archive: %w", err)
	}

	if err := b.api.CopyToContainer(ctx, id, "/", archive, types.CopyToContainerOptions{}); err != nil {
		return nil, unavailable("copying files", err)
	}
	slog.Info("Uploaded files", "id", id, "count", len(names), "target", target)
	return names, nil
}

// tarFiles archives files under dir (relative to /), including entries for
// each directory level so docker creates them.
func tarFiles(dir string, files []sandbox.File, mtime time.Time) (*bytes.Buffer, []string, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if dir != "" && dir != "." {
		parts := strings.Split(dir, "/")
		for i := range parts {
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     strings.Join(parts[:i+1], "/") + "/",
				Mode:     0o755,
				ModTime:  mtime,
			}); err != nil {
				return nil, nil, err
			}
		}
	} else {
		dir = ""
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(dir, f.Name),
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  mtime,
		}); err != nil {
			return nil, nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, nil, err
		}
		names = append(names, f.Name)
	}
	if err := tw.Close(); err != nil {
		return nil, nil, err
	}
	return &buf, names, nil
}
