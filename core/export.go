package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownExportFormat = fmt.Errorf("unknown export format")

// ExportSession renders a captured session's cookie jar in the requested
// format. Cookie domains come from the owning target.
func ExportSession(s *Session, t *Target, format string) (string, error) {
	switch strings.ToLower(format) {
	case "header":
		return exportHeader(s), nil
	case "json":
		return exportJSON(s)
	case "netscape", "netscape-cookiejar":
		return exportNetscape(s, t), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownExportFormat, format)
	}
}

func exportHeader(s *Session) string {
	cookies := s.CookiesCopy()
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func exportJSON(s *Session) (string, error) {
	data, err := json.MarshalIndent(s.CookiesCopy(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func exportNetscape(s *Session, t *Target) string {
	var sb strings.Builder
	sb.WriteString("# Netscape HTTP Cookie File\n")
	cookies := s.CookiesCopy()
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf(".%s\tTRUE\t/\tFALSE\t0\t%s\t%s\n", t.TargetHost, name, cookies[name]))
	}
	return sb.String()
}
