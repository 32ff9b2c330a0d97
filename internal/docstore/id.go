package docstore

import (
	"fmt"

	"github.com/teris-io/shortid"
)

// NewId returns a fresh document id.
func NewId() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}
