package core

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
)

func GenRandomToken() string {
	rdata := make([]byte, 64)
	rand.Read(rdata)
	hash := sha256.Sum256(rdata)
	token := fmt.Sprintf("%x", hash)
	return token
}

func GenRandomString(n int) string {
	const lb = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = lb[int(b[i])%len(lb)]
	}
	return string(b)
}

func stringExists(s string, sa []string) bool {
	for _, k := range sa {
		if s == k {
			return true
		}
	}
	return false
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// originFromAddr strips the port from a RemoteAddr-style "host:port" string.
func originFromAddr(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		// leave bare IPv6 addresses alone
		if !strings.Contains(addr[i:], "]") {
			return strings.Trim(addr[:i], "[]")
		}
	}
	return addr
}
