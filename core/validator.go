package core

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Collection names start with a letter, then letters, digits, '_' or '-'.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)

// Document keys: a restricted URL-safe alphabet.
var documentKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.@()+,=;$!*'%]+$`)

const (
	MaxCollectionNameLen = 64
	MaxDocumentKeyLen    = 254
)

// ValidateCollectionName checks a collection name.
func ValidateCollectionName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Message: "cannot be empty", Field: "collection", Value: name}
	case len(name) > MaxCollectionNameLen:
		return &ValidationError{Message: fmt.Sprintf("longer than %d bytes", MaxCollectionNameLen), Field: "collection", Value: name}
	case !collectionNamePattern.MatchString(name):
		return &ValidationError{Message: fmt.Sprintf("does not match pattern '%s'", collectionNamePattern.String()), Field: "collection", Value: name}
	}
	return nil
}

// ValidateDocumentKey checks a user supplied document key.
func ValidateDocumentKey(key string) error {
	switch {
	case key == "":
		return &ValidationError{Message: "cannot be empty", Field: "_key", Value: key}
	case len(key) > MaxDocumentKeyLen:
		return &ValidationError{Message: fmt.Sprintf("longer than %d bytes", MaxDocumentKeyLen), Field: "_key", Value: key}
	case !utf8.ValidString(key) || !documentKeyPattern.MatchString(key):
		return &ValidationError{Message: "contains illegal characters", Field: "_key", Value: key}
	}
	return nil
}
