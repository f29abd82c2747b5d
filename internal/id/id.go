// Package id generates prefixed identifiers for streams, clients and subscriptions.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// shortAlphabet avoids '-' and '_' so short IDs stay readable in log lines.
const shortAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// shortLength is the length of the random part produced by Short.
const shortLength = 12

// Generate creates a prefixed NanoID, e.g. "sse-V1StGXR8_Z5jdHi6B-myT".
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// Short creates a prefixed lowercase alphanumeric ID of shortLength characters.
func Short(prefix string) (string, error) {
	id, err := gonanoid.Generate(shortAlphabet, shortLength)
	if err != nil {
		return "", fmt.Errorf("generate short id: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}
