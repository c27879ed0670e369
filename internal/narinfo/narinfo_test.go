package narinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixcache/nixcache/internal/store"
)

func TestRoundTrip(t *testing.T) {
	n := &Info{
		StorePath:   "/nix/store/abc123-foo",
		URL:         "nar/def456.nar.zstd",
		Compression: "zstd",
		NarHash:     "sha256:deadbeef",
		NarSize:     12345,
		References:  []string{"ghi789-bar", "abc123-foo"},
		Deriver:     "jkl012-foo.drv",
		CA:          "fixed:r:sha256:deadbeef",
	}

	parsed, err := Parse(strings.NewReader(n.String()))
	require.NoError(t, err)
	assert.Equal(t, n, parsed)
}

func TestRoundTripMinimal(t *testing.T) {
	n := &Info{
		StorePath: "/nix/store/abc123-foo",
		URL:       "nar/def456.nar.zstd",
		NarHash:   "sha256:deadbeef",
		NarSize:   1,
	}
	parsed, err := Parse(strings.NewReader(n.String()))
	require.NoError(t, err)
	assert.Equal(t, n, parsed)
}

func TestNewFromValidPathInfo(t *testing.T) {
	p := store.StorePath{Hash: "abc123", Path: "/nix/store/abc123-foo"}
	info := &store.ValidPathInfo{
		NarHash: "sha256:deadbeef",
		NarSize: 42,
		References: []store.StorePath{
			{Hash: "ghi789", Path: "/nix/store/ghi789-bar"},
		},
		CA: &store.ContentAddress{Algorithm: "fixed:r:sha256", Hash: "deadbeef"},
	}

	n := New(p, info, "nar/def456.nar.zstd")
	assert.Equal(t, "/nix/store/abc123-foo", n.StorePath)
	assert.Equal(t, "nar/def456.nar.zstd", n.URL)
	assert.Equal(t, "zstd", n.Compression)
	assert.Equal(t, []string{"ghi789-bar"}, n.References)
	assert.Equal(t, "fixed:r:sha256:deadbeef", n.CA)
}

func TestParseMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("not-a-valid-line-without-separator"))
	assert.Error(t, err)
}
