package runtime

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-connections/nat"
)

func newPort(containerPort int) (nat.Port, error) {
	return nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
}

func newExposedPorts(p nat.Port) nat.PortSet {
	return nat.PortSet{p: struct{}{}}
}

func newPortBindings(p nat.Port, hostPort int) nat.PortMap {
	return nat.PortMap{
		p: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)}},
	}
}

func splitPath(containerPath string) (dir, file string) {
	dir = filepath.Dir(containerPath)
	file = filepath.Base(containerPath)
	return dir, file
}

// tarDirectory walks hostPath and produces a tar stream suitable for
// CopyToContainer, skipping any path component named in excludeDirs.
func tarDirectory(hostPath string, excludeDirs []string) (*bytes.Buffer, error) {
	excluded := make(map[string]struct{}, len(excludeDirs))
	for _, d := range excludeDirs {
		excluded[d] = struct{}{}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(hostPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if _, skip := excluded[part]; skip {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
