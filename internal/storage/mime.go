package storage

import (
	"path"
	"strings"
)

// DefaultContentType is served for unknown extensions.
const DefaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	"epub": "application/epub+zip",
	"pdf":  "application/pdf",
	"mobi": "application/x-mobipocket-ebook",
	"azw3": "application/vnd.amazon.ebook",
	"fb2":  "application/x-fictionbook+xml",
	"djvu": "image/vnd.djvu",
	"cbr":  "application/x-cbr",
	"cbz":  "application/x-cbz",
	"txt":  "text/plain; charset=utf-8",
	"lua":  "application/x-lua",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// ContentTypeFor maps a file extension, with or without the dot, to its media type.
func ContentTypeFor(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return ct
	}
	return DefaultContentType
}

// ContentTypeForKey is ContentTypeFor applied to the extension of key.
func ContentTypeForKey(key string) string {
	return ContentTypeFor(path.Ext(key))
}
