//go:build linux

package storage

import (
	"os"
	"path/filepath"
)

func platformConfigDefault() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "flowsync")
}

func platformDataDefault() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "flowsync")
}

func platformCacheDefault() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "flowsync")
}

func platformStateDefault() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "state", "flowsync")
}
