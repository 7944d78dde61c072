// Package contentstore implements drop.ContentStore on the local filesystem
// and in memory.
//
// Both stores share one layout of relative, slash-separated locations:
//
//	staging/<uuid>              bytes of an upload that has not been hashed
//	content/<d[0:2]>/<d[2:]>    bytes addressed by their digest d
package contentstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	stagingDir = "staging"
	contentDir = "content"
)

// permanentLocation partitions the content area by the first two digest
// characters to bound directory fan-out.
func permanentLocation(digest string) string {
	if len(digest) < 3 {
		return path.Join(contentDir, digest)
	}
	return path.Join(contentDir, digest[:2], digest[2:])
}

func stagingLocation(name string) string {
	return path.Join(stagingDir, name)
}

func validDigest(digest string) error {
	if len(digest) < 8 {
		return fmt.Errorf("digest %q too short", digest)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("digest %q is not hex", digest)
	}
	return nil
}

// cleanLocation rejects locations outside the two store areas.
func cleanLocation(location string) (string, error) {
	if location == "" || strings.HasPrefix(location, "/") {
		return "", fmt.Errorf("invalid location %q", location)
	}
	clean := path.Clean(location)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid location %q", location)
	}
	if !strings.HasPrefix(clean, stagingDir+"/") && !strings.HasPrefix(clean, contentDir+"/") {
		return "", fmt.Errorf("location %q is outside the store", location)
	}
	return clean, nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
