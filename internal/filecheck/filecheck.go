// Package filecheck provides chainable filesystem assertions used by
// production configuration validation (regular-file and directory checks
// from the Configuration error kind).
package filecheck

import (
	"fmt"
	"os"
)

// Checker runs a chain of checks against a single path.
type Checker struct {
	Path   string
	checks []func(string) error
}

// New creates a Checker for the given path.
func New(path string) *Checker {
	return &Checker{Path: path}
}

// Check runs every accumulated check, returning the first error encountered.
func (c *Checker) Check() error {
	for _, check := range c.checks {
		if err := check(c.Path); err != nil {
			return err
		}
	}
	return nil
}

// Exists adds a check that the path exists.
func (c *Checker) Exists() *Checker {
	c.checks = append(c.checks, func(path string) error {
		_, err := getInfo(path)
		return err
	})
	return c
}

// IsDir adds a check that the path is a directory.
func (c *Checker) IsDir() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
		return nil
	})
	return c
}

// IsRegularFile adds a check that the path is a regular file (not a
// directory, symlink, device, etc.).
func (c *Checker) IsRegularFile() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", path)
		}
		return nil
	})
	return c
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}
