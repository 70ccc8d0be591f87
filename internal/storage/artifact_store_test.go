package storage

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IBM/taxinomitis/internal/models"
)

func newStore(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := NewArtifactStore(filepath.Join(t.TempDir(), "saved-models"))
	require.NoError(t, err)
	return store
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocationOfIsDeterministic(t *testing.T) {
	store := &ArtifactStore{root: "saved-models"}
	assert.Equal(t, filepath.Join("saved-models", "abc"), store.LocationOf("abc"))
	assert.Equal(t, store.LocationOf("abc"), store.LocationOf("abc"))
	assert.Equal(t, filepath.Join("saved-models", "abc", "download"), store.DownloadLocation("abc"))
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", " ", ".", "..", "a/b", `a\b`, "a\x00b"} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, "key %q", key)
	}
	for _, key := range []string{"abc", "1234-5678", "a.b"} {
		assert.NoError(t, ValidateKey(key), "key %q", key)
	}
}

func TestPrepareCleanFolderWipesPreviousRun(t *testing.T) {
	store := newStore(t)
	folder, err := store.PrepareCleanFolder("P1")
	require.NoError(t, err)

	writeFile(t, filepath.Join(folder, "download", "model.zip"), "old model")
	writeFile(t, filepath.Join(folder, "model", "a", "b", "c", "deep.bin"), "old")
	writeFile(t, filepath.Join(folder, StatusFileName), "{}")

	folder, err = store.PrepareCleanFolder("P1")
	require.NoError(t, err)
	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareCleanFolderReportsIOFailure(t *testing.T) {
	store := newStore(t)
	require.NoError(t, os.RemoveAll(store.Root()))
	// a file where the models folder should be makes the root unusable
	writeFile(t, store.Root(), "not a folder")

	_, err := store.PrepareCleanFolder("P1")
	assert.ErrorIs(t, err, ErrIO)
}

func TestDeleteAllIsIdempotent(t *testing.T) {
	store := newStore(t)
	folder, err := store.PrepareCleanFolder("P1")
	require.NoError(t, err)
	writeFile(t, filepath.Join(folder, "x", "y", "z", "file"), "data")

	require.NoError(t, store.DeleteAll("P1"))
	assert.False(t, store.Exists("P1"))
	require.NoError(t, store.DeleteAll("P1"))
	require.NoError(t, store.DeleteAll("never-existed"))
}

func TestRecursiveDeleteDeepTreeTwice(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "top")
	deep := path
	for i := 0; i < 50; i++ {
		deep = filepath.Join(deep, "d")
		writeFile(t, filepath.Join(deep, "f.txt"), "x")
	}

	require.NoError(t, RecursiveDelete(path))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, RecursiveDelete(path))
}

func TestWriteAndReadStatus(t *testing.T) {
	store := newStore(t)
	_, err := store.PrepareCleanFolder("P1")
	require.NoError(t, err)

	info := models.NewTraining("P1", "http://x/saved-models/P1/status", "run-1", time.Now())
	require.NoError(t, store.WriteStatus("P1", info))

	read, ok, err := store.ReadStatus("P1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusTraining, read.Status)
	assert.True(t, info.LastUpdate.Equal(read.LastUpdate))

	// no temporary files are left behind
	entries, err := os.ReadDir(store.LocationOf("P1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFileName, entries[0].Name())
}

func TestWriteStatusSkipsDeletedFolder(t *testing.T) {
	store := newStore(t)
	info := models.NewTraining("gone", "s", "run-1", time.Now())

	require.NoError(t, store.WriteStatus("gone", info))
	assert.False(t, store.Exists("gone"))

	_, ok, err := store.ReadStatus("gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadStatusCorrupt(t *testing.T) {
	store := newStore(t)
	folder, err := store.PrepareCleanFolder("P1")
	require.NoError(t, err)
	writeFile(t, filepath.Join(folder, StatusFileName), "{not json")

	_, ok, err := store.ReadStatus("P1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPruneWorkingFiles(t *testing.T) {
	store := newStore(t)
	folder, err := store.PrepareCleanFolder("P1")
	require.NoError(t, err)

	writeFile(t, filepath.Join(folder, StatusFileName), "{}")
	writeFile(t, filepath.Join(folder, "download", "model.zip"), "zip")
	writeFile(t, filepath.Join(folder, "model", "tree.json"), "tree")
	writeFile(t, filepath.Join(folder, "dataset.csv"), "a,b")
	// a file named like the download folder is still a working file
	writeFile(t, filepath.Join(folder, "model", "download"), "x")

	require.NoError(t, store.PruneWorkingFiles("P1"))

	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"download", "status"}, names)
	_, err = os.Stat(filepath.Join(folder, "download", "model.zip"))
	assert.NoError(t, err)

	require.NoError(t, store.PruneWorkingFiles("missing"))
}

func TestCreateSubfoldersNeedModelFolder(t *testing.T) {
	store := newStore(t)

	_, err := store.CreateDownloadFolder("P1")
	assert.ErrorIs(t, err, ErrFolderMissing)
	assert.False(t, store.Exists("P1"), "model folder must not be recreated")

	_, err = store.PrepareCleanFolder("P1")
	require.NoError(t, err)

	download, err := store.CreateDownloadFolder("P1")
	require.NoError(t, err)
	_, err = store.CreateDownloadFolder("P1")
	require.NoError(t, err, "existing download folder is reused")

	working, err := store.CreateWorkingFolder("P1", "model")
	require.NoError(t, err)
	writeFile(t, filepath.Join(working, "old"), "x")
	working, err = store.CreateWorkingFolder("P1", "model")
	require.NoError(t, err)
	entries, err := os.ReadDir(working)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, download)

	_, err = store.CreateWorkingFolder("P1", DownloadFolderName)
	assert.Error(t, err)
}

func TestListKeys(t *testing.T) {
	store := newStore(t)
	for _, key := range []string{"b", "a", "c"} {
		_, err := store.PrepareCleanFolder(key)
		require.NoError(t, err)
	}
	writeFile(t, filepath.Join(store.Root(), "stray-file"), "x")

	keys, err := store.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestCreateZipFlatAndTree(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "tree.json"), "{}")
	writeFile(t, filepath.Join(src, "assets", "vocabulary.json"), "[]")
	writeFile(t, filepath.Join(src, "assets", "deeper", "header.txt"), "h")

	dest := t.TempDir()
	flat := filepath.Join(dest, "flat.zip")
	tree := filepath.Join(dest, "tree.zip")
	require.NoError(t, CreateZipFlat(src, flat))
	require.NoError(t, CreateZipTree(src, tree))

	assert.Equal(t, []string{"header.txt", "tree.json", "vocabulary.json"}, zipNames(t, flat))
	assert.Equal(t, []string{"assets/deeper/header.txt", "assets/vocabulary.json", "tree.json"}, zipNames(t, tree))
}

func TestCreateZipFlatRejectsCollisions(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a", "same.txt"), "1")
	writeFile(t, filepath.Join(src, "b", "same.txt"), "2")

	dest := filepath.Join(t.TempDir(), "flat.zip")
	assert.Error(t, CreateZipFlat(src, dest))
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "partial archive is removed")
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
