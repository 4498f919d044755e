package convert

import "errors"

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("convert: config is nil")

	// ErrSpoolFailed indicates the job payload could not be written to its
	// spool file, so the converter was never invoked.
	ErrSpoolFailed = errors.New("convert: spool write failed")

	// ErrConversionFailed indicates the external converter exited with an
	// error. The job payload is untouched; capture continues unaffected.
	ErrConversionFailed = errors.New("convert: conversion failed")

	// ErrNoOutput indicates the converter exited successfully but produced
	// no usable output file.
	ErrNoOutput = errors.New("convert: converter produced no output")
)
