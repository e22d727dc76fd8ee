package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliFrame struct {
	Progress *float64                 `json:"progress"`
	Complete bool                     `json:"complete"`
	Results  *ingest.ProcessingResult `json:"results"`
	Error    string                   `json:"error"`
}

func setupIngestEnv(t *testing.T) string {
	dir := t.TempDir()
	t.Setenv("BLOB_ROOT_PATH", filepath.Join(dir, "blobs"))
	t.Setenv("INGEST_SCRATCH_PATH", filepath.Join(dir, "scratch"))
	t.Setenv("FFMPEG_BINARY_PATH", filepath.Join(dir, "missing-ffmpeg"))
	t.Setenv("FFPROBE_BINARY_PATH", filepath.Join(dir, "missing-ffprobe"))
	return dir
}

func writeZip(t *testing.T, path string, names ...string) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func decodeFrames(t *testing.T, out *bytes.Buffer) []cliFrame {
	var frames []cliFrame
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var f cliFrame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f), scanner.Text())
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)
	return frames
}

func TestRunIngest_DryRunStreamsFrames(t *testing.T) {
	dir := setupIngestEnv(t)
	archivePath := filepath.Join(dir, "Film Looks.zip")
	writeZip(t, archivePath, "LUTs/Teal.cube", "LUTs/Warm.cube", "readme.txt")

	out := &bytes.Buffer{}
	err := runIngest([]string{"--dry-run", "--category", "lut", "--file", archivePath}, out)
	require.NoError(t, err)

	frames := decodeFrames(t, out)
	last := frames[len(frames)-1]
	require.True(t, last.Complete)
	require.NotNil(t, last.Results)
	assert.Equal(t, 2, last.Results.FilesProcessed)

	for _, f := range frames[:len(frames)-1] {
		assert.NotNil(t, f.Progress)
	}

	_, err = os.Stat(filepath.Join(dir, "blobs"))
	assert.NoError(t, err)
}

func TestRunIngest_StoresLocalThumbnail(t *testing.T) {
	dir := setupIngestEnv(t)
	archivePath := filepath.Join(dir, "pack.zip")
	writeZip(t, archivePath, "LUTs/Teal.cube")
	thumbPath := filepath.Join(dir, "thumb.png")
	require.NoError(t, os.WriteFile(thumbPath, []byte("not really a png"), 0o644))

	out := &bytes.Buffer{}
	err := runIngest([]string{"--dry-run", "-c", "lut", "-f", archivePath, "--thumbnail", thumbPath}, out)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "blobs", "uploads", "*", "thumb.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRunIngest_FailedJobReturnsError(t *testing.T) {
	dir := setupIngestEnv(t)
	archivePath := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("this is not a zip archive"), 0o644))

	out := &bytes.Buffer{}
	err := runIngest([]string{"--dry-run", "--category", "overlay", "--file", archivePath}, out)
	require.Error(t, err)

	frames := decodeFrames(t, out)
	assert.NotEmpty(t, frames[len(frames)-1].Error)
}

func TestRunIngest_FlagValidation(t *testing.T) {
	setupIngestEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"missing category", []string{"--dry-run", "--file", "pack.zip"}},
		{"unknown category", []string{"--dry-run", "--category", "fonts", "--file", "pack.zip"}},
		{"missing file", []string{"--dry-run", "--category", "overlay"}},
		{"bad pack id", []string{"--dry-run", "--category", "overlay", "--file", "pack.zip", "--pack-id", "nope"}},
		{"unknown flag", []string{"--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			assert.Error(t, runIngest(tt.args, out))
			assert.Empty(t, out.String())
		})
	}
}
