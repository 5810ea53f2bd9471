// Package hub gives access to the files of a HuggingFace Hub model repository: either a local
// directory with the model files, or a remote repository whose files are downloaded on demand to
// a local cache.
//
// Example:
//
//	repo := hub.New("clue/albert_chinese_tiny").WithAuth(os.Getenv("HF_TOKEN"))
//	vocabPath, err := repo.DownloadFile("vocab.txt")
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DefaultDirCreationPerm is used when creating new cache subdirectories.
	DefaultDirCreationPerm = os.FileMode(0755)

	// DefaultEndpoint of the HuggingFace Hub. It can be overridden with the HF_ENDPOINT environment variable.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is the revision (branch, tag or commit) used when none is given.
	DefaultRevision = "main"
)

// Repo is a model repository. Create it with New.
type Repo struct {
	// ID of the repository, e.g. "clue/albert_chinese_tiny", or a local directory.
	ID string

	localDir  string
	revision  string
	authToken string
	cacheDir  string
	endpoint  string
	offline   bool
	client    *http.Client

	// MaxParallelDownload limits the number of files DownloadFiles fetches at the same time.
	MaxParallelDownload int

	muInfo    sync.Mutex
	fileNames []string
}

// New creates a Repo for the given id.
//
// If id is an existing directory, the repository is local and its files are used in place.
// Otherwise, it refers to a HuggingFace Hub model id, and files are downloaded to the cache
// directory (see DefaultCacheDir) when first requested.
func New(id string) *Repo {
	r := &Repo{
		ID:                  id,
		revision:            DefaultRevision,
		cacheDir:            DefaultCacheDir(),
		endpoint:            DefaultEndpoint,
		client:              http.DefaultClient,
		MaxParallelDownload: 4,
		offline:             os.Getenv("HF_HUB_OFFLINE") == "1",
	}
	if endpoint := os.Getenv("HF_ENDPOINT"); endpoint != "" {
		r.endpoint = endpoint
	}
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		r.localDir = id
	}
	return r
}

// DefaultCacheDir returns $HF_HUB_CACHE, or $HF_HOME/hub, or ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// WithAuth sets the token used to access private or gated repositories.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	return r
}

// WithRevision sets the revision (branch, tag or commit hash) to use. Default is "main".
func (r *Repo) WithRevision(revision string) *Repo {
	r.revision = revision
	r.fileNames = nil
	return r
}

// WithCacheDir sets the directory where downloaded files are stored.
func (r *Repo) WithCacheDir(dir string) *Repo {
	r.cacheDir = dir
	return r
}

// WithEndpoint sets the Hub endpoint, e.g. for a mirror.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	r.endpoint = strings.TrimSuffix(endpoint, "/")
	return r
}

// WithOffline disables network access: only files already in the cache are used.
func (r *Repo) WithOffline(offline bool) *Repo {
	r.offline = offline
	return r
}

// WithHTTPClient sets the client used for the Hub requests.
func (r *Repo) WithHTTPClient(client *http.Client) *Repo {
	r.client = client
	return r
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.IsLocal() {
		return fmt.Sprintf("local repo %q", r.localDir)
	}
	return fmt.Sprintf("hub repo %q@%s", r.ID, r.revision)
}

// IsLocal returns whether the repository is a local directory.
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// snapshotDir is where the files of the current revision are cached.
func (r *Repo) snapshotDir() string {
	return filepath.Join(r.cacheDir, "models--"+strings.ReplaceAll(r.ID, "/", "--"), "snapshots", r.revision)
}

// IterFileNames iterates over the names of the files in the repository.
// For remote repositories the list is fetched once from the Hub, or read from the cache when offline.
func (r *Repo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		names, err := r.listFiles(context.Background())
		if err != nil {
			yield("", err)
			return
		}
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository has the given file.
// Errors listing the repository are logged and reported as false.
func (r *Repo) HasFile(fileName string) bool {
	names, err := r.listFiles(context.Background())
	if err != nil {
		klog.Warningf("failed to list files of %s: %+v", r, err)
		return false
	}
	return slices.Contains(names, fileName)
}

func (r *Repo) listFiles(ctx context.Context) ([]string, error) {
	r.muInfo.Lock()
	defer r.muInfo.Unlock()
	if r.fileNames != nil {
		return r.fileNames, nil
	}
	var names []string
	var err error
	switch {
	case r.IsLocal():
		names, err = walkFiles(r.localDir)
	case r.offline:
		names, err = walkFiles(r.snapshotDir())
	default:
		names, err = r.fetchFileNames(ctx)
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	r.fileNames = names
	return names, nil
}

// walkFiles lists the regular files under dir, as slash separated relative paths.
func walkFiles(dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".lock") || strings.HasSuffix(p, ".downloading") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", dir)
	}
	return names, nil
}

// repoInfo is the subset of the Hub's model info response used here.
type repoInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

func (r *Repo) fetchFileNames(ctx context.Context) ([]string, error) {
	infoURL := fmt.Sprintf("%s/api/models/%s/revision/%s", r.endpoint, r.ID, url.PathEscape(r.revision))
	req, err := r.newRequest(ctx, infoURL)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch info of %s", r)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching info of %s: %s", r, resp.Status)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse info of %s", r)
	}
	names := make([]string, 0, len(info.Siblings))
	for _, sibling := range info.Siblings {
		names = append(names, sibling.RFilename)
	}
	return names, nil
}

func (r *Repo) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", rawURL)
	}
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
	return req, nil
}

// DownloadFile returns the local path of the given file, downloading it first if needed.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileContext(context.Background(), fileName)
}

// DownloadFileContext is like DownloadFile, but the download can be cancelled with ctx.
func (r *Repo) DownloadFileContext(ctx context.Context, fileName string) (string, error) {
	if path.IsAbs(fileName) || slices.Contains(strings.Split(fileName, "/"), "..") {
		return "", errors.Errorf("invalid file name %q", fileName)
	}
	if r.IsLocal() {
		localPath := filepath.Join(r.localDir, filepath.FromSlash(fileName))
		if !fileExists(localPath) {
			return "", errors.Errorf("file %q not found in %s", fileName, r)
		}
		return localPath, nil
	}
	localPath := filepath.Join(r.snapshotDir(), filepath.FromSlash(fileName))
	if r.offline {
		if !fileExists(localPath) {
			return "", errors.Errorf("file %q of %s not cached, and offline mode is on", fileName, r)
		}
		return localPath, nil
	}
	fileURL := fmt.Sprintf("%s/%s/resolve/%s/%s", r.endpoint, r.ID, url.PathEscape(r.revision), fileName)
	if err := r.lockedDownload(ctx, fileURL, localPath, false, nil); err != nil {
		return "", err
	}
	return localPath, nil
}

// DownloadFiles downloads the given files, at most MaxParallelDownload at a time, and returns their
// local paths in the same order.
func (r *Repo) DownloadFiles(ctx context.Context, fileNames ...string) ([]string, error) {
	paths := make([]string, len(fileNames))
	errs := make([]error, len(fileNames))
	limit := make(chan struct{}, max(r.MaxParallelDownload, 1))
	var wg sync.WaitGroup
	for i, fileName := range fileNames {
		wg.Add(1)
		limit <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-limit }()
			paths[i], errs[i] = r.DownloadFileContext(ctx, fileName)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func fileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
