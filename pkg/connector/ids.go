// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"
	"strings"
)

// UserLinkPrefix is the deep-link scheme that mentions a user by ID.
const UserLinkPrefix = "tg://user?id="

// MakeHandleKey creates the dedup key for a handle mention.
func MakeHandleKey(handle string) string {
	return "@" + strings.ToLower(handle)
}

// MakeUserKey creates the dedup key for a deep-link mention.
func MakeUserKey(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// MakeUserLink creates the deep link for a user ID.
func MakeUserLink(userID int64) string {
	return UserLinkPrefix + strconv.FormatInt(userID, 10)
}

// ParseUserLink extracts the user ID from a deep link.
func ParseUserLink(link string) (int64, bool) {
	rest, ok := strings.CutPrefix(link, UserLinkPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
