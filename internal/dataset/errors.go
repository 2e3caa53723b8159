package dataset

import "github.com/pkg/errors"

// Sentinel errors returned (wrapped) by the dataset package. Match them with errors.Is.
var (
	// ErrFileAccess means the annotation file is missing, unreadable or has no header row.
	ErrFileAccess = errors.New("annotation file not accessible")
	// ErrSchema means the header row cannot produce a class schema.
	ErrSchema = errors.New("invalid annotation header")
	// ErrMalformed means a data row could not be parsed as CSV.
	ErrMalformed = errors.New("malformed annotation row")
	// ErrIndex means a sample index is outside [0, Len()).
	ErrIndex = errors.New("sample index out of range")
	// ErrImageDecode means a sample's image could not be opened or decoded.
	ErrImageDecode = errors.New("image decode failed")
)
