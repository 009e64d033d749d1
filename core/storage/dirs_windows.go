//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

func platformConfigDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "flowsync", "config")
}

func platformDataDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "flowsync", "data")
}

func platformCacheDefault() string {
	return filepath.Join(os.Getenv("LOCALAPPDATA"), "flowsync", "cache")
}

func platformStateDefault() string {
	return filepath.Join(os.Getenv("LOCALAPPDATA"), "flowsync", "state")
}
