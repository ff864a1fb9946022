// Package runtime resolves the Loom node binary a suite runs against: either
// a released build fetched by version, or a local repository handed to the
// external build toolchain. Fetched builds are cached under a versioned
// directory in the system temp dir.
package runtime

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	gort "runtime"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/config"
)

const releaseURLTemplate = "https://github.com/loomnet/loom/releases/download/%s/loom-%s.zip"

// Resolve returns the path of a runnable node binary for src.
func Resolve(src config.RuntimeSource, releaseBuild bool) (string, error) {
	if src.Version != "" {
		return fetch(src.Version)
	}
	return buildLocal(src.RepoPath, releaseBuild)
}

// fetch downloads and unpacks the released binary for this platform, reusing
// a previous download when present.
func fetch(version string) (string, error) {
	suffix, err := platformSuffix(gort.GOOS, gort.GOARCH)
	if err != nil {
		return "", err
	}

	cacheDir := filepath.Join(os.TempDir(), "loom-"+version)
	binaryPath := filepath.Join(cacheDir, "loom")
	if _, err := os.Stat(binaryPath); err == nil {
		log.Debug().Str("path", binaryPath).Msg("using cached runtime")
		return binaryPath, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("runtime: create cache dir: %w", err)
	}
	zipPath := filepath.Join(cacheDir, "loom.zip")
	url := fmt.Sprintf(releaseURLTemplate, version, suffix)
	log.Info().Str("url", url).Msg("fetching runtime")
	if err := download(url, zipPath); err != nil {
		return "", err
	}
	if err := extractZip(zipPath, cacheDir); err != nil {
		return "", err
	}
	if err := os.Chmod(binaryPath, 0o755); err != nil {
		return "", fmt.Errorf("runtime: mark executable: %w", err)
	}
	return binaryPath, nil
}

// buildLocal delegates compilation to the runtime repo's own toolchain and
// returns the produced binary path.
func buildLocal(repoPath string, releaseBuild bool) (string, error) {
	profile := "debug"
	args := []string{"build", "--features", "simulation-mode"}
	if releaseBuild {
		args = append(args, "--release")
		profile = "release"
	}
	log.Info().Str("repo", repoPath).Str("profile", profile).Msg("compiling runtime")
	cmd := exec.Command("cargo", args...)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("runtime: build in %s: %w: %s", repoPath, err, out)
	}
	return filepath.Join(repoPath, "target", profile, "loom"), nil
}

func platformSuffix(goos, goarch string) (string, error) {
	switch {
	case goos == "linux" && goarch == "amd64":
		return "x86_64-unknown-linux-gnu", nil
	case goos == "darwin" && goarch == "amd64":
		return "x86_64-apple-darwin", nil
	case goos == "darwin" && goarch == "arm64":
		return "aarch64-apple-darwin", nil
	default:
		return "", fmt.Errorf("runtime: no released build for %s/%s", goos, goarch)
	}
}

func download(url, dest string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("runtime: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime: download %s: status %d", url, resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("runtime: create %s: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("runtime: write %s: %w", dest, err)
	}
	return nil
}

func extractZip(archivePath, destDir string) error {
	archive, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("runtime: open archive %s: %w", archivePath, err)
	}
	defer archive.Close()

	for _, entry := range archive.File {
		if !filepath.IsLocal(entry.Name) {
			continue
		}
		outPath := filepath.Join(destDir, entry.Name)
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		in, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(outPath)
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			in.Close()
			return err
		}
		out.Close()
		in.Close()
	}
	return nil
}
