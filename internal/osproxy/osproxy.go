// Package osproxy narrows the os package down to the handful of calls the
// state store needs, so tests can substitute a fake
// filesystem without touching disk.
package osproxy

import "os"

// OS is the subset of the os package that coldvault's local-disk components
// depend on.
type OS interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Create(name string) (*os.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	MkdirAll(path string, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// Real delegates to the real os package.
type Real struct{}

func (Real) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (Real) Open(name string) (*os.File, error)    { return os.Open(name) }
func (Real) Create(name string) (*os.File, error)  { return os.Create(name) }
func (Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (Real) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }
func (Real) Remove(name string) error             { return os.Remove(name) }

func (Real) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
