package horizon

import (
	"os"
	"path"
	"regexp"
	"strings"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// Hostname returns the current host name, or "localhost" when it cannot be read.
func Hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// Slug lowercases s and replaces anything outside [a-z0-9-] with a dash.
func Slug(s string) string {
	out := slugInvalid.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(out, "-")
}

// SupervisorName builds the host-scoped supervisor identity "<master>:<name>".
func SupervisorName(master, name string) string {
	return master + ":" + name
}

// MasterOf returns the master segment of a supervisor name.
func MasterOf(supervisor string) string {
	if i := strings.LastIndex(supervisor, ":"); i >= 0 {
		return supervisor[:i]
	}
	return ""
}

// MatchTarget reports whether name matches a target pattern. Patterns use
// path.Match globbing, and "*" alone matches everything.
func MatchTarget(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// SupervisorLease is the lease name guarding a supervisor identity.
func SupervisorLease(name string) string { return "supervisor:" + name }

// MasterLease is the lease name guarding a master identity.
func MasterLease(name string) string { return "master:" + name }
