package extract

import "fmt"

// Handle points at the content to extract: a URL for Site and Youtube, a
// file path or in-memory bytes for Pdf, Csv and Txt.
type Handle struct {
	URL  string
	Path string
	Name string
	Data []byte
}

// URL returns a handle for a web source.
func URL(u string) Handle {
	return Handle{URL: u}
}

// File returns a handle for a file on disk.
func File(path string) Handle {
	return Handle{Path: path}
}

// Bytes returns a handle for uploaded content that has not been stored yet.
func Bytes(name string, data []byte) Handle {
	return Handle{Name: name, Data: data}
}

// String describes the handle for logs and error messages.
func (h Handle) String() string {
	switch {
	case h.URL != "":
		return h.URL
	case h.Path != "":
		return h.Path
	case h.Name != "":
		return fmt.Sprintf("%s (%d bytes)", h.Name, len(h.Data))
	}
	return fmt.Sprintf("<%d bytes>", len(h.Data))
}
