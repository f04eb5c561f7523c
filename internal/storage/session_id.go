package storage

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const sessionIDPrefix = "sess_"

// NewSessionID 生成按创建时间排序的会话 ID
// NewSessionID returns an id that sorts by creation time: the prefix followed
// by the 32 hex digits of a version 7 UUID.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return sessionIDPrefix + hex.EncodeToString(id[:])
}

// IsSessionID reports whether s has the shape NewSessionID produces.
func IsSessionID(s string) bool {
	digits, ok := strings.CutPrefix(s, sessionIDPrefix)
	if !ok || len(digits) != 32 {
		return false
	}
	_, err := hex.DecodeString(digits)
	return err == nil
}
