// Package narinfo implements the wire descriptor returned to clients on a
// binary-cache hit (spec.md §3 "NarInfo") and its "narinfo" text
// serialization: key-value lines, one per field.
//
// The field set and text shape are grounded on the original Rust
// implementation's Entry struct (original_source's magic-nix-cache
// api.rs) and spec.md §4.B/§8; the (de)serializer itself is a small,
// dependency-free implementation rather than a guessed third-party API
// (see DESIGN.md for why github.com/nix-community/go-nix's narinfo
// package, the one Nix-domain library the retrieval pack surfaced, was
// not wired here).
package narinfo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nixcache/nixcache/internal/store"
)

// Info is the stringified form of a cache hit's descriptor.
type Info struct {
	StorePath   string
	URL         string
	Compression string
	NarHash     string
	NarSize     int64
	References  []string
	Deriver     string
	CA          string
}

// New builds an Info for a freshly uploaded NAR. narURL is the relative
// URL under which the compressed NAR was stored (e.g. "nar/<key>"), per
// spec.md §4.F step 6. narSize is the UNCOMPRESSED byte count — spec.md
// §9 warns against conflating it with the compressed byte count actually
// stored at the backend.
func New(p store.StorePath, info *store.ValidPathInfo, narURL string) *Info {
	refs := make([]string, len(info.References))
	for i, r := range info.References {
		refs[i] = basename(r.Path)
	}
	n := &Info{
		StorePath:   p.Path,
		URL:         narURL,
		Compression: "zstd",
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  refs,
		Deriver:     info.Deriver,
	}
	if info.CA != nil {
		n.CA = info.CA.Algorithm + ":" + info.CA.Hash
	}
	return n
}

func basename(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// String serializes n into the standard narinfo text format.
func (n *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", n.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", n.URL)
	fmt.Fprintf(&b, "Compression: %s\n", n.Compression)
	fmt.Fprintf(&b, "NarHash: %s\n", n.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", n.NarSize)
	if len(n.References) > 0 {
		fmt.Fprintf(&b, "References: %s\n", strings.Join(n.References, " "))
	}
	if n.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", n.Deriver)
	}
	if n.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", n.CA)
	}
	return b.String()
}

// Parse reads the standard narinfo key-value text format. Unknown keys
// are ignored, matching the permissive parsing every narinfo consumer in
// the wild does.
func Parse(r io.Reader) (*Info, error) {
	n := &Info{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, errors.Errorf("narinfo: malformed line %q", line)
		}
		switch key {
		case "StorePath":
			n.StorePath = value
		case "URL":
			n.URL = value
		case "Compression":
			n.Compression = value
		case "NarHash":
			n.NarHash = value
		case "NarSize":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "narinfo: parsing NarSize")
			}
			n.NarSize = size
		case "References":
			if value != "" {
				n.References = strings.Fields(value)
			}
		case "Deriver":
			n.Deriver = value
		case "CA":
			n.CA = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "narinfo: scanning")
	}
	return n, nil
}
