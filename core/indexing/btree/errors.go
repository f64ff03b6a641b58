package btree

import "errors"

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrOrderMismatch    = errors.New("tree order does not match database file")
	ErrCorruption       = errors.New("decoded page violates a tree invariant")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrSerialization    = errors.New("error during serialization")
)
