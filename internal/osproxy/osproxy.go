// Package osproxy narrows the os package to the handful of functions the
// filesystem store backend needs, so tests can inject a fake instead of
// touching a real filesystem.
package osproxy

import "os"

// OsProxy is the subset of the os package used by store/fsstore.
type OsProxy interface {
	MkdirAll(path string, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

// RealOS delegates to the real os package.
type RealOS struct{}

func (RealOS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) } //nolint:revive
func (RealOS) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }        //nolint:revive
func (RealOS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) } //nolint:revive
func (RealOS) Remove(name string) error                     { return os.Remove(name) }          //nolint:revive
func (RealOS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }            //nolint:revive

//nolint:revive
func (RealOS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
