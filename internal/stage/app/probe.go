package app

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"

	"archr/internal/fsutil"
)

// CapabilityProbe reports whether the root already provides a runtime
// feature the application needs.
type CapabilityProbe interface {
	Probe(ctx context.Context, root string) (bool, error)
}

// SymbolMarkerProbe looks for Marker among the bytes of Library, a path
// relative to the root. It is a string-table heuristic: a library that
// mentions the marker is assumed to support the feature. A missing library
// counts as unsupported.
type SymbolMarkerProbe struct {
	Library string
	Marker  string
}

// KMSDRMProbe checks the installed SDL2 for the KMS/DRM video driver.
var KMSDRMProbe = SymbolMarkerProbe{Library: "usr/lib/libSDL2-2.0.so.0", Marker: "KMSDRM"}

func (p SymbolMarkerProbe) Probe(_ context.Context, root string) (bool, error) {
	path, err := fsutil.ResolveIn(root, p.Library)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Contains(data, []byte(p.Marker)), nil
}
