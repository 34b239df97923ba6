package db

import (
	"strings"

	"github.com/google/uuid"
)

func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
