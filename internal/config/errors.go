package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file is found
	// at the specified path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigVersionTooNew is returned when a config file has a version
	// newer than what this binary supports.
	ErrConfigVersionTooNew = errors.New("config version too new")

	// ErrNoArchive is returned when a rollback is requested but no
	// last-known-good archive exists.
	ErrNoArchive = errors.New("no last-known-good config archive found")
)
