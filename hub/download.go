package hub

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressCallback is called during a download with the number of bytes downloaded so far, and the
// total (or -1 if unknown).
type ProgressCallback func(downloaded, total int64)

// lockedDownload url to the given filePath.
//
// If filePath exits and forceDownload is false, it is assumed to already have been correctly downloaded, and it will return immediately.
//
// It downloads the file to filePath+".downloading" and then atomically move it to filePath.
//
// It uses a temporary filePath+".lock" to coordinate multiple processes/programs trying to download the same file at the same time.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool, progressCallback ProgressCallback) error {
	if fileExists(filePath) {
		if !forceDownload {
			return nil
		}
		err := os.Remove(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}

	// Checks whether context has already been cancelled, and exit immediately.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	// Lock file to avoid parallel downloads.
	lockPath := filePath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, lockPath, func() {
		if fileExists(filePath) {
			// Some concurrent other process (or goroutine) already downloaded the file.
			return
		}

		var tmpFileClosed bool
		tmpPath := filePath + ".downloading"
		tmpFile, err := os.Create(tmpPath)
		if err != nil {
			mainErr = errors.Wrapf(err, "creating temporary file for download in %q", tmpPath)
			return
		}
		defer func() {
			// If we exit with an error, make sure to close and remove unfinished temporary file.
			if !tmpFileClosed {
				if err := tmpFile.Close(); err != nil {
					klog.Warningf("failed closing temporary file %q: %v", tmpPath, err)
				}
				if err := os.Remove(tmpPath); err != nil {
					klog.Warningf("failed removing temporary file %q: %v", tmpPath, err)
				}
			}
		}()

		klog.V(1).Infof("downloading %s", url)
		mainErr = r.download(ctx, url, tmpFile, progressCallback)
		if mainErr != nil {
			mainErr = errors.WithMessagef(mainErr, "while downloading %q to %q", url, tmpPath)
			return
		}

		// Download succeeded, move to our target location.
		tmpFileClosed = true
		if err := tmpFile.Close(); err != nil {
			mainErr = errors.Wrapf(err, "failed to close temporary download file %q", tmpPath)
			return
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
			return
		}

		// File already exists, so we no longer need the lock file.
		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("error removing lock file %q: %+v", lockPath, err)
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to download %q", lockPath, url)
	}
	return nil
}

// download the contents of url into w.
func (r *Repo) download(ctx context.Context, url string, w io.Writer, progressCallback ProgressCallback) error {
	req, err := r.newRequest(ctx, url)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("request failed with status %s", resp.Status)
	}
	var body io.Reader = resp.Body
	if progressCallback != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, callback: progressCallback}
	}
	if _, err := io.Copy(w, body); err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	return nil
}

type progressReader struct {
	r          io.Reader
	downloaded int64
	total      int64
	callback   ProgressCallback
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.downloaded += int64(n)
	p.callback(p.downloaded, p.total)
	return n, err
}

// execOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes the function.
// If the lockPath is already locked, it polls with a 1 to 2 seconds period (randomly), until it acquires the lock
// or ctx is cancelled.
//
// The lockPath is not removed. It's safe to remove it from the given fn, if one knows that no new calls to
// execOnFileLock with the same lockPath is going to be made.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}

		// Wait from 1 to 2 seconds.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * time.Duration(1000+rand.Intn(1000))):
		}
	}

	// Setup clean up in a deferred function, so it happens even if `fn()` panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()

	fn()
	return
}
