package web

import (
	"embed"
	"io/fs"
)

//go:embed dist/*
var distFiles embed.FS

// GetDistFS returns the embedded dashboard filesystem
func GetDistFS() (fs.FS, error) {
	return fs.Sub(distFiles, "dist")
}
