package router

import (
	"strconv"
	"strings"
)

// tokenPrefix namespaces button custom ids so foreign components are ignored.
const tokenPrefix = "pingme"

// ButtonToken encodes the custom id of the index-th option button.
func ButtonToken(requestID string, index int) string {
	return tokenPrefix + ":" + requestID + ":" + strconv.Itoa(index)
}

// ParseButtonToken decodes a custom id produced by ButtonToken.
func ParseButtonToken(token string) (requestID string, index int, ok bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return parts[1], index, true
}
