package metadata

import (
	"bytes"
	"fmt"
	"net/mail"
)

// coreMetadata is the subset of Python's core metadata
// (https://packaging.python.org/en/latest/specifications/core-metadata/)
// the resolver needs. Core metadata is defined as an RFC 822 message, the
// same format in wheel METADATA and sdist PKG-INFO files.
type coreMetadata struct {
	RequiresPython string
	RequiresDist   []string
	ProvidesExtra  []string
}

// parseCoreMetadata reads a METADATA/PKG-INFO file's raw bytes.
func parseCoreMetadata(raw []byte) (coreMetadata, error) {
	buf := bytes.NewBuffer(raw)
	buf.WriteByte('\n') // net/mail requires a body, even an empty one

	msg, err := mail.ReadMessage(buf)
	if err != nil {
		return coreMetadata{}, fmt.Errorf("parsing core metadata: %w", err)
	}

	return coreMetadata{
		RequiresPython: firstHeader(msg.Header, "Requires-Python"),
		RequiresDist:   msg.Header["Requires-Dist"],
		ProvidesExtra:  msg.Header["Provides-Extra"],
	}, nil
}

func firstHeader(h mail.Header, name string) string {
	vs := h[name]
	if len(vs) == 0 {
		return ""
	}

	return vs[0]
}
