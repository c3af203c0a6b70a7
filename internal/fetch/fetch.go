// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fetch provides the gateway's download primitives: resumable HTTP
// downloads with retry/backoff and throttled progress reporting, plus
// zip/tar.gz archive extraction for backend installers.
package fetch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/lemon-gateway/lemon/gwerr"
)

// ProgressFunc is called as a download advances. done and total are in
// bytes; total is 0 if unknown. Calls are throttled to roughly once a
// second, with a guaranteed final call when the download completes.
type ProgressFunc func(done, total int64)

// Options configures a Download call.
type Options struct {
	// Token, if set, is sent as a Bearer token.
	Token string
	// Mode is the file mode used when creating dst.
	Mode os.FileMode
	// Progress, if non-nil, receives progress callbacks.
	Progress ProgressFunc
	// Resume, if true and dst+".partial" exists, resumes via a Range request.
	Resume bool
	// MaxRetries bounds the retry-on-transient-error loop. Zero means 5.
	MaxRetries int
}

// Download fetches url into dst, retrying on 429 and transient network
// errors with exponential backoff (1s, 2s, 4s, ... capped at 32s), and
// reports progress via opts.Progress.
//
// When opts.Resume is set, a partial download is staged at dst+".partial"
// and renamed into place only once complete, so a crash mid-download never
// leaves a corrupt dst.
func Download(ctx context.Context, url, dst string, opts Options) error {
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	staging := dst
	if opts.Resume {
		staging = dst + ".partial"
	}
	var offset int64
	if opts.Resume {
		if st, err := os.Stat(staging); err == nil {
			offset = st.Size()
		}
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if backoff <= 0 || backoff > 32*time.Second {
				backoff = 32 * time.Second
			}
			slog.Warn("fetch", "action", "retry", "url", url, "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if opts.Resume {
				if st, err := os.Stat(staging); err == nil {
					offset = st.Size()
				}
			}
		}
		resumed, err := download1(ctx, url, staging, offset, opts)
		if err == nil {
			if opts.Resume {
				if err := os.Rename(staging, dst); err != nil {
					return gwerr.FileError(err, "failed to finalize download of %q", dst)
				}
			}
			return nil
		}
		lastErr = err
		if !resumed {
			offset = 0
		}
		var he *httpStatusError
		if errors.As(err, &he) && he.code != http.StatusTooManyRequests && he.code < 500 {
			// Non-retryable client error (401, 403, 404, ...).
			break
		}
	}
	return gwerr.DownloadError(lastErr, "failed to download %q", url)
}

type httpStatusError struct {
	code int
	msg  string
}

func (e *httpStatusError) Error() string { return e.msg }

// download1 performs a single download attempt, optionally resuming from
// offset. It returns whether the server honored the resume (so the caller
// knows whether to keep or discard the partial offset on failure).
func download1(ctx context.Context, url, dst string, offset int64, opts Options) (resumed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, err
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	resumed = offset > 0 && resp.StatusCode == http.StatusPartialContent
	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return false, &httpStatusError{code: resp.StatusCode, msg: "rate limited: " + resp.Status}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return false, &httpStatusError{code: resp.StatusCode, msg: "unexpected status: " + resp.Status}
	}

	flags := os.O_CREATE | os.O_WRONLY
	writeOffset := int64(0)
	if resumed {
		flags |= os.O_APPEND
		writeOffset = offset
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dst, flags, opts.Mode)
	if err != nil {
		return resumed, err
	}
	defer f.Close()

	total := resp.ContentLength
	if total > 0 {
		total += writeOffset
	}
	var w io.Writer = f
	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.DefaultBytes(total, "downloading")
		w = io.MultiWriter(f, &throttledWriter{done: writeOffset, total: total, cb: opts.Progress, bar: bar})
	}
	n, err := io.Copy(w, resp.Body)
	if opts.Progress != nil {
		opts.Progress(writeOffset+n, total)
	}
	return resumed, err
}

// throttledWriter calls cb at most once a second as bytes flow through.
type throttledWriter struct {
	done, total int64
	cb          ProgressFunc
	bar         *progressbar.ProgressBar
	lastReport  time.Time
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	t.done += int64(len(p))
	if t.bar != nil {
		t.bar.Add(len(p))
	}
	if now := time.Now(); now.Sub(t.lastReport) >= time.Second {
		t.lastReport = now
		t.cb(t.done, t.total)
	}
	return len(p), nil
}

// ExtractZip extracts files from the zip at zipPath into destDir, keeping
// only the base name of each entry (archives are frequently laid out with a
// build/bin/ prefix the caller doesn't want to recreate) and only entries
// whose base name matches one of the patterns. An empty patterns list
// extracts every entry.
func ExtractZip(zipPath, destDir string, patterns []string) error {
	z, err := zip.OpenReader(zipPath)
	if err != nil {
		return gwerr.InstallationError(err, "failed to open archive %q", zipPath)
	}
	defer z.Close()
	for _, f := range z.File {
		name := filepath.Base(f.Name)
		if name == "" || name == "." {
			continue
		}
		matched := len(patterns) == 0
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if err := extractZipEntry(f, filepath.Join(destDir, name)); err != nil {
			return gwerr.InstallationError(err, "failed to extract %q", name)
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

// ExtractTarGz shells out to the system tar binary, matching the pattern the
// gateway uses elsewhere for platform archive tools rather than vendoring a
// pure-Go tar decoder.
func ExtractTarGz(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return gwerr.InstallationError(err, "failed to create %q", destDir)
	}
	cmd := exec.Command("tar", "-xzf", archivePath, "-C", destDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return gwerr.InstallationError(err, "tar extraction failed: %s", out)
	}
	return nil
}
