package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub serves the model info and the files of a single repository.
func fakeHub(t *testing.T, repoID string, files map[string]string) (*httptest.Server, *atomic.Int32) {
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/"+repoID+"/revision/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, `{"siblings": [`)
		first := true
		for name := range files {
			if !first {
				_, _ = fmt.Fprint(w, ",")
			}
			first = false
			_, _ = fmt.Fprintf(w, `{"rfilename": %q}`, name)
		}
		_, _ = fmt.Fprint(w, `]}`)
	})
	mux.HandleFunc("/"+repoID+"/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/"+repoID+"/resolve/main/"):]
		content, found := files[name]
		if !found {
			http.NotFound(w, r)
			return
		}
		downloads.Add(1)
		_, _ = fmt.Fprint(w, content)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &downloads
}

func TestRemoteRepo(t *testing.T) {
	files := map[string]string{
		"vocab.txt":   "[PAD]\n[UNK]\n",
		"config.json": `{"hidden_size": 8}`,
	}
	server, downloads := fakeHub(t, "org/model", files)
	cacheDir := t.TempDir()
	repo := New("org/model").WithEndpoint(server.URL).WithCacheDir(cacheDir).WithAuth("secret")
	require.False(t, repo.IsLocal())

	assert.True(t, repo.HasFile("vocab.txt"))
	assert.False(t, repo.HasFile("tokenizer.json"))
	var names []string
	for name, err := range repo.IterFileNames() {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"config.json", "vocab.txt"}, names)

	localPath, err := repo.DownloadFile("vocab.txt")
	require.NoError(t, err)
	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, files["vocab.txt"], string(content))
	assert.FileExists(t, filepath.Join(cacheDir, "models--org--model", "snapshots", "main", "vocab.txt"))
	assert.NoFileExists(t, localPath+".lock")

	// Second time comes from the cache.
	_, err = repo.DownloadFile("vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, int32(1), downloads.Load())

	paths, err := repo.DownloadFiles(context.Background(), "config.json", "vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, localPath, paths[1])
	assert.Equal(t, int32(2), downloads.Load())

	_, err = repo.DownloadFile("missing.bin")
	require.Error(t, err)
	_, err = repo.DownloadFile("../escape")
	require.Error(t, err)

	// Offline mode only sees the cached files.
	offline := New("org/model").WithCacheDir(cacheDir).WithOffline(true)
	assert.True(t, offline.HasFile("vocab.txt"))
	assert.True(t, offline.HasFile("config.json"))
	_, err = offline.DownloadFile("missing.bin")
	require.Error(t, err)
}

func TestLocalRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[PAD]\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "model.safetensors"), []byte("x"), 0644))

	repo := New(dir)
	require.True(t, repo.IsLocal())
	assert.True(t, repo.HasFile("vocab.txt"))
	assert.True(t, repo.HasFile("sub/model.safetensors"))
	localPath, err := repo.DownloadFile("vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vocab.txt"), localPath)
	_, err = repo.DownloadFile("tokenizer.json")
	require.Error(t, err)
}

func TestExecOnFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "file.lock")
	var count int
	for range 3 {
		require.NoError(t, execOnFileLock(context.Background(), lockPath, func() { count++ }))
	}
	assert.Equal(t, 3, count)
}
