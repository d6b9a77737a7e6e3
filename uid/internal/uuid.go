package internal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewUUIDV7 生成按时间排序的 UUID v7，熵源失败时退回 v4
func NewUUIDV7() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// IsValidUUIDV7 版本必须为 7，变体必须为 RFC 4122
func IsValidUUIDV7(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 7 && u.Variant() == uuid.RFC4122
}

// TimeOfUUIDV7 返回 UUID v7 中编码的时间
func TimeOfUUIDV7(s string) (time.Time, error) {
	if !IsValidUUIDV7(s) {
		return time.Time{}, fmt.Errorf("invalid uuid v7 %q", s)
	}
	sec, nsec := uuid.MustParse(s).Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
