package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sub/file.txt", NormalizePath(`sub\file.txt`))
	assert.Equal(t, "already/fine", NormalizePath("already/fine"))
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple", "file.txt", false},
		{"nested", "a/b/c.txt", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../secret", true},
		{"embedded traversal", "a/../../b", true},
		{"double slash", "a//b", true},
		{"unnormalized backslash", `a\b`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDirectoryKey(t *testing.T) {
	t.Parallel()

	// Shared directories omit the client id so every client converges
	// on the same key.
	assert.Equal(t, "shared_project", DirectoryKey("", "shared_project"))
	assert.Equal(t, "alice:notes", DirectoryKey("alice", "notes"))
}

func TestValidateDirectory(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateDirectory("docs"))
	assert.NoError(t, ValidateDirectory("alice:docs"))
	assert.ErrorIs(t, ValidateDirectory(""), ErrInvalidDirectory)
	assert.ErrorIs(t, ValidateDirectory("a/b"), ErrInvalidDirectory)
	assert.ErrorIs(t, ValidateDirectory(".."), ErrInvalidDirectory)
}

func TestUploadRequest_ContentTravelsAsBase64(t *testing.T) {
	t.Parallel()

	req := UploadRequest{
		Path:      "hello.txt",
		Hash:      "abc",
		Size:      13,
		Modified:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Content:   []byte("Hello, World!"),
		Directory: "shared_project",
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	// encoding/json encodes []byte as base64; the protocol relies on it.
	assert.Contains(t, string(raw), `"content":"SGVsbG8sIFdvcmxkIQ=="`)
	assert.Contains(t, string(raw), `"modified":"2025-06-01T12:00:00Z"`)

	var back UploadRequest
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, req.Content, back.Content)
}
