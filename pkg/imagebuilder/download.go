package imagebuilder

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ulikunitz/xz"

	"github.com/openwrt/update-server/pkg/api"
)

// resolveURL probes the download server for the archive, preferring the
// fully-qualified name over the elided one.
func (p *Provisioner) resolveURL(ctx context.Context, key api.SubtargetKey) (url, dirName string, err error) {
	distro, ok := p.cfg.Distro(key.Distro)
	if !ok {
		return "", "", fmt.Errorf("unknown distribution %q", key.Distro)
	}
	release := Release(p.cfg, key)
	for _, elide := range []bool{false, true} {
		dirName = name(release, key.Target, key.Subtarget, elide)
		url = fmt.Sprintf("%s/%s/targets/%s/%s/%s.tar.xz",
			distro.ImagebuilderURL, release, key.Target, key.Subtarget, dirName)
		req, err := retryablehttp.NewRequest(http.MethodHead, url, nil)
		if err != nil {
			return "", "", err
		}
		resp, err := p.client.Do(req.WithContext(ctx))
		if err != nil {
			return "", "", err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return url, dirName, nil
		}
		p.log.WithField("url", url).WithField("status", resp.StatusCode).Debug("archive not found")
	}
	return "", "", fmt.Errorf("no imagebuilder archive published for %s", key)
}

// download fetches and unpacks the imagebuilder archive, returning the path
// of the extracted tree. Extraction happens in the temp dir and the finished
// tree is renamed into place so a crashed download never leaves a tree that
// Path would mistake for a usable imagebuilder.
func (p *Provisioner) download(ctx context.Context, key api.SubtargetKey) (string, error) {
	url, dirName, err := p.resolveURL(ctx, key)
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: HTTP %d", url, resp.StatusCode)
	}

	scratch, err := os.MkdirTemp(p.cfg.TempDir, "imagebuilder-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	if err := extractTarXz(resp.Body, scratch); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", url, err)
	}
	extracted := filepath.Join(scratch, dirName)
	if _, err := os.Stat(extracted); err != nil {
		return "", fmt.Errorf("archive did not contain %s: %w", dirName, err)
	}

	dest := filepath.Join(root(p.cfg, key), dirName)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if err := os.Rename(extracted, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// extractTarXz unpacks an xz-compressed tarball into dir. Entry names are
// constrained to stay below dir.
func extractTarXz(r io.Reader, dir string) error {
	xzr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return err
	}
	tr := tar.NewReader(xzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := securePath(dir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("tar entry %q links to absolute path %q", header.Name, header.Linkname)
			}
			if _, err := securePath(dir, filepath.Join(filepath.Dir(header.Name), header.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := securePath(dir, header.Linkname)
			if err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			// Character devices and the like have no business in an
			// imagebuilder archive.
			return fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}
	}
}

func securePath(dir, entry string) (string, error) {
	target := filepath.Join(dir, entry)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry %q escapes extraction directory", entry)
	}
	return target, nil
}
