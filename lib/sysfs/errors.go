package sysfs

import "errors"

var (
	// ErrNoLink is returned when an expected sysfs symlink does not exist
	ErrNoLink = errors.New("sysfs link does not exist")

	// ErrNoControlFile is returned when a control file is missing
	ErrNoControlFile = errors.New("sysfs control file does not exist")
)
