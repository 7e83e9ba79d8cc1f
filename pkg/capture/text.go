package capture

import (
	"strings"
	"unicode/utf8"
)

// sniffLen is how much of a body is inspected to decide whether it is text.
const sniffLen = 64

var binaryTypes = []string{
	"image/", "video/", "audio/", "font/",
	"application/octet-stream",
	"application/zip", "application/gzip", "application/x-gzip",
	"application/pdf", "application/msword",
	"application/protobuf", "application/x-protobuf", "application/grpc",
	"application/vnd.ms-", "application/vnd.openxmlformats-",
}

// IsText reports whether the first bytes of a body look like plain text:
// no control characters besides tab, newline, carriage return and form feed,
// and valid UTF-8. A sample longer than the sniff window may end in a rune
// cut by the window.
func IsText(sample []byte) bool {
	more := len(sample) > sniffLen
	if more {
		sample = sample[:sniffLen]
	}
	return sniffText(sample, more)
}

// sniffText checks a sniff window; more means the body continues past it.
func sniffText(sample []byte, more bool) bool {
	for _, b := range sample {
		if b == 0x7f || (b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != '\f') {
			return false
		}
	}
	if utf8.Valid(sample) {
		return true
	}
	if !more {
		return false
	}
	return utf8.Valid(trimPartialRune(sample))
}

// trimPartialRune drops an incomplete rune at the end of b, if any.
func trimPartialRune(b []byte) []byte {
	for cut := 1; cut < utf8.UTFMax && cut <= len(b); cut++ {
		if utf8.RuneStart(b[len(b)-cut]) {
			if !utf8.FullRune(b[len(b)-cut:]) {
				return b[:len(b)-cut]
			}
			break
		}
	}
	return b
}

func isTextual(contentType string, sample []byte, more bool) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range binaryTypes {
		if strings.HasPrefix(contentType, prefix) {
			return false
		}
	}
	return sniffText(sample, more)
}
