package upload

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  error
	}{
		{"png", "chest.png", nil},
		{"upper case jpg", "CHEST.JPG", nil},
		{"jpeg", "scan.final.jpeg", nil},
		{"empty", "", ErrNoFileSelected},
		{"gif", "x.gif", ErrExtensionNotAllowed},
		{"no extension", "xray", ErrExtensionNotAllowed},
		{"trailing dot", "xray.", ErrExtensionNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filename)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSecureName(t *testing.T) {
	assert.Equal(t, "passwd", SecureName("../../etc/passwd"))
	assert.Equal(t, "chest_x-ray.png", SecureName("chest x-ray.png"))
	assert.Equal(t, "evil.png", SecureName(`C:\temp\evil.png`))
	assert.Equal(t, "upload", SecureName(".."))
}

func fileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["file"][0]
}

func TestSave_UniqueAndCleanup(t *testing.T) {
	dir := t.TempDir()
	fh := fileHeader(t, "chest.png", []byte("pixels"))

	p1, cleanup1, err := Save(dir, fh)
	require.NoError(t, err)
	p2, cleanup2, err := Save(dir, fh)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.True(t, strings.HasSuffix(p1, "_chest.png"))
	assert.True(t, IsStaged(filepath.Base(p1)))
	assert.Equal(t, dir, filepath.Dir(p1))

	data, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	cleanup1()
	cleanup1()
	cleanup2()
	assert.NoFileExists(t, p1)
	assert.NoFileExists(t, p2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIsStaged(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"0f8fad5b-d9cb-469f-a165-70867728950e_chest.png", true},
		{"0f8fad5b-d9cb-469f-a165-70867728950e_", true},
		{"chest.png", false},
		{"my_chest.png", false},
		{"0f8fad5b-d9cb-469f-a165-70867728950e.png", false},
		{"{0f8fad5b-d9cb-469f-a165-70867728950e}_x.png", false},
		{"0f8fad5bd9cb469fa16570867728950e_x.png", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsStaged(tt.name), tt.name)
	}
}
