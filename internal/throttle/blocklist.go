package throttle

import (
	"regexp"
	"strings"
)

// CheckBlocklist evaluates an account's IP blocklist against the requester
// IP. The result is three-valued:
//
//	nil   - not applicable (preview mode, or no IP to check)
//	false - checked and clear
//	true  - blocked
//
// The blocklist is a newline-separated list where each line is either a
// literal IP (with `*` as a wildcard segment) or a `/regex/` pattern.
func CheckBlocklist(blocklist *string, ip string, previewMode bool) *bool {
	if previewMode || ip == "" {
		return nil
	}

	blocked := false
	if blocklist == nil || strings.TrimSpace(*blocklist) == "" {
		return &blocked
	}

	for _, line := range strings.Split(*blocklist, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if matchBlocklistLine(line, ip) {
			blocked = true
			return &blocked
		}
	}
	return &blocked
}

func matchBlocklistLine(line, ip string) bool {
	if len(line) > 2 && strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/") {
		re, err := regexp.Compile(line[1 : len(line)-1])
		if err != nil {
			// A malformed pattern blocks nothing.
			return false
		}
		return re.MatchString(ip)
	}

	if strings.Contains(line, "*") {
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(line), `\*`, `.*`) + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(ip)
	}

	return line == ip
}
