package plugin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/ports"
	"drmcore/internal/core/ports/mocks"
)

func TestRegistry_Selection(t *testing.T) {
	first := mocks.NewMockBackend("first")
	first.CanHandleFunc = func(path, mimeType string) bool { return strings.HasSuffix(path, ".one") }
	second := mocks.NewMockBackend("second")
	second.Support.MimeTypes = []string{"application/x-two"}
	second.CanHandleFunc = func(path, mimeType string) bool { return true }

	r, err := NewRegistry(nil, first, second)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		mime string
		want string
	}{
		{"first by path", "/a.one", "", "first"},
		{"falls through to second", "/a.two", "", "second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := r.ForPath(tt.path, tt.mime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Name())
		})
	}

	b, err := r.ForMime("APPLICATION/X-TWO")
	require.NoError(t, err)
	assert.Equal(t, "second", b.Name())

	b, err = r.ForMime(mocks.MockMimeType)
	require.NoError(t, err)
	assert.Equal(t, "first", b.Name())

	_, err = r.ForMime("video/mp4")
	assert.ErrorIs(t, err, ports.ErrNoBackend)
	_, err = r.ForMime("")
	assert.ErrorIs(t, err, ports.ErrNoBackend)

	assert.Len(t, r.Backends(), 2)
}

func TestRegistry_NoMatch(t *testing.T) {
	r, err := NewRegistry(nil, mocks.NewMockBackend("only"))
	require.NoError(t, err)
	_, err = r.ForPath("/plain.txt", "text/plain")
	assert.ErrorIs(t, err, ports.ErrNoBackend)
}

func TestRegistry_DuplicateName(t *testing.T) {
	_, err := NewRegistry(nil, mocks.NewMockBackend("dup"), mocks.NewMockBackend("dup"))
	assert.Error(t, err)
}
