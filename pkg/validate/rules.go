package validate

import (
	"fmt"
	"regexp"

	"github.com/odvcencio/warden/pkg/config"
)

// Rules is the compiled form of the configuration's dangerous-pattern
// list plus the argument-shape classifiers. Compiled once at startup so
// the per-request decision path does no regexp compilation.
type Rules struct {
	dangerous []*regexp.Regexp

	ipAddress *regexp.Regexp
	cidr      *regexp.Regexp
	hostname  *regexp.Regexp
	portRange *regexp.Regexp
	filePath  *regexp.Regexp
	url       *regexp.Regexp
}

// CompileRules compiles the security section's pattern list. An invalid
// pattern is a configuration error, surfaced at startup rather than
// silently skipped at request time.
func CompileRules(sec config.SecurityConfig) (*Rules, error) {
	r := &Rules{
		ipAddress: regexp.MustCompile(`^(?:[0-9]{1,3}\.){3}[0-9]{1,3}$`),
		cidr:      regexp.MustCompile(`^(?:[0-9]{1,3}\.){3}[0-9]{1,3}/[0-9]{1,2}$`),
		hostname:  regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)+$`),
		portRange: regexp.MustCompile(`^[1-9][0-9]{0,4}(-[1-9][0-9]{0,4})?$`),
		filePath:  regexp.MustCompile(`^[a-zA-Z0-9/_\-\.]+$`),
		url:       regexp.MustCompile(`^https?://[a-zA-Z0-9\-\._~:/\?#\[\]@!\$&'\(\)\*\+,;=%]+$`),
	}

	for _, pattern := range sec.DangerousPatterns {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid dangerous pattern %q: %w", pattern, err)
		}
		r.dangerous = append(r.dangerous, re)
	}

	return r, nil
}

// MatchDangerous returns the first dangerous pattern the input matches,
// or "" if none do.
func (r *Rules) MatchDangerous(input string) string {
	for _, re := range r.dangerous {
		if re.MatchString(input) {
			return re.String()
		}
	}
	return ""
}

// TokenShape classifies a value-bearing token.
type TokenShape int

const (
	ShapeUnknown TokenShape = iota
	ShapeIPAddress
	ShapeCIDR
	ShapeHostname
	ShapePortRange
	ShapeFilePath
	ShapeURL
)

// String returns the shape name for diagnostics.
func (s TokenShape) String() string {
	switch s {
	case ShapeIPAddress:
		return "ip_address"
	case ShapeCIDR:
		return "cidr"
	case ShapeHostname:
		return "hostname"
	case ShapePortRange:
		return "port_range"
	case ShapeFilePath:
		return "file_path"
	case ShapeURL:
		return "url"
	default:
		return "unknown"
	}
}

// Classify determines the shape of a value token. Order matters: the
// more specific classifiers run first so "80-443" is a port range, not
// a hostname fragment, and "10.0.0.1" is an address, not a path.
func (r *Rules) Classify(token string) TokenShape {
	switch {
	case r.ipAddress.MatchString(token):
		return ShapeIPAddress
	case r.cidr.MatchString(token):
		return ShapeCIDR
	case r.portRange.MatchString(token):
		return ShapePortRange
	case r.url.MatchString(token):
		return ShapeURL
	case r.hostname.MatchString(token):
		return ShapeHostname
	case r.filePath.MatchString(token):
		return ShapeFilePath
	default:
		return ShapeUnknown
	}
}

// IsTarget reports whether a shape counts against the tool's target
// ceiling. Addresses, networks, hostnames, and URLs are targets; ports
// and paths are parameters.
func (s TokenShape) IsTarget() bool {
	switch s {
	case ShapeIPAddress, ShapeCIDR, ShapeHostname, ShapeURL:
		return true
	default:
		return false
	}
}
