// Package assets embeds the default form catalog and locale bundles.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed forms/*.yaml locales/*.yaml
var files embed.FS

// Forms returns the embedded form definitions.
func Forms() fs.FS { return sub("forms") }

// Locales returns the embedded locale bundles.
func Locales() fs.FS { return sub("locales") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
