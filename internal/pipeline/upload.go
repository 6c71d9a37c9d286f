package pipeline

import (
	"io"
	"path"
	"strings"
)

// AudioUpload is one file received from a client.
type AudioUpload struct {
	// Filename is the client-supplied name. Only its extension is trusted.
	Filename string
	Body     io.Reader
	// Size is the declared length in bytes, or -1 when unknown.
	Size int64
}

// Class tells whether an upload can be decoded directly.
type Class string

const (
	ClassNative  Class = "native"
	ClassForeign Class = "foreign"
)

const maxExtLen = 10

// Classify inspects the filename extension only; content is never sniffed.
func Classify(filename string) Class {
	if strings.EqualFold(path.Ext(baseName(filename)), ".wav") {
		return ClassNative
	}
	return ClassForeign
}

// DisplayName strips any directory components a client sent.
func DisplayName(filename string) string {
	name := baseName(filename)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// safeExt returns a lower-cased extension limited to [a-z0-9], or "" when the
// name carries nothing usable.
func safeExt(filename string) string {
	ext := strings.ToLower(path.Ext(baseName(filename)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func baseName(filename string) string {
	return path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
}
