// Package proxy parses the egress proxy list and rotates through it,
// quarantining entries that hit anti-automation challenges.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Record is one parsed proxy. Index is 1-based after de-duplication.
type Record struct {
	Index    int    `json:"index"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Key is the de-duplication key: the full connection string.
func (r Record) Key() string {
	return fmt.Sprintf("%s://%s:%s@%s:%d", r.Protocol, r.Username, r.Password, r.Host, r.Port)
}

// URL carries credentials only when both parts are set.
func (r Record) URL() *url.URL {
	u := &url.URL{Scheme: r.Protocol, Host: net.JoinHostPort(r.Host, strconv.Itoa(r.Port))}
	if r.Username != "" && r.Password != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u
}

// Display hides credentials for logging.
func (r Record) Display() string {
	return fmt.Sprintf("#%d %s://%s", r.Index, r.Protocol, net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
}

var (
	commentRe  = regexp.MustCompile(`\s+#.*$|\s+//.*$|^\s*#.*$|^\s*//.*$`)
	schemeRe   = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*)://(.+)$`)
	authHostRe = regexp.MustCompile(`^([^:@\s]+):([^@\s]+)@(.+)$`)
	bracketRe  = regexp.MustCompile(`^\[([^\]]+)\]:(\d+)$`)
	hostPortRe = regexp.MustCompile(`^([^:\s]+):(\d+)$`)
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9\-._\[\]:]+$`)
	digitsRe   = regexp.MustCompile(`^\d+$`)
)

var protocols = map[string]bool{"http": true, "https": true, "socks4": true, "socks5": true}

func validPort(s string) (int, bool) {
	p, err := strconv.Atoi(s)
	return p, err == nil && p >= 1 && p <= 65535
}

func validHost(h string) bool {
	return h != "" && hostnameRe.MatchString(h)
}

// StripComment removes trailing "#" or "//" comments and surrounding space.
func StripComment(line string) string {
	return strings.TrimSpace(commentRe.ReplaceAllString(line, ""))
}

// ParseLine parses a single uncommented proxy line. Scheme-less forms
// default to http.
func ParseLine(line string) (Record, bool) {
	if m := schemeRe.FindStringSubmatch(line); m != nil {
		scheme := strings.ToLower(m[1])
		if !protocols[scheme] {
			return Record{}, false
		}
		u, err := url.Parse(line)
		if err != nil {
			return Record{}, false
		}
		port, ok := validPort(u.Port())
		if !ok || !validHost(u.Hostname()) {
			return Record{}, false
		}
		r := Record{Protocol: scheme, Host: u.Hostname(), Port: port}
		if u.User != nil {
			r.Username = u.User.Username()
			r.Password, _ = u.User.Password()
		}
		return r, true
	}

	if m := authHostRe.FindStringSubmatch(line); m != nil {
		host, portStr := "", ""
		if hp := bracketRe.FindStringSubmatch(m[3]); hp != nil {
			host, portStr = hp[1], hp[2]
		} else if hp := hostPortRe.FindStringSubmatch(m[3]); hp != nil {
			host, portStr = hp[1], hp[2]
		} else {
			return Record{}, false
		}
		port, ok := validPort(portStr)
		if !ok || !validHost(host) {
			return Record{}, false
		}
		return Record{Protocol: "http", Host: host, Port: port, Username: m[1], Password: m[2]}, true
	}

	if m := bracketRe.FindStringSubmatch(line); m != nil {
		port, ok := validPort(m[2])
		if !ok {
			return Record{}, false
		}
		return Record{Protocol: "http", Host: m[1], Port: port}, true
	}

	if m := hostPortRe.FindStringSubmatch(line); m != nil {
		port, ok := validPort(m[2])
		if !ok || !validHost(m[1]) {
			return Record{}, false
		}
		return Record{Protocol: "http", Host: m[1], Port: port}, true
	}

	if parts := strings.Split(line, ":"); len(parts) == 4 && digitsRe.MatchString(parts[3]) {
		port, ok := validPort(parts[3])
		if ok && validHost(parts[2]) {
			return Record{Protocol: "http", Host: parts[2], Port: port, Username: parts[0], Password: parts[1]}, true
		}
	}
	return Record{}, false
}

// Parse reads a proxy list, dropping comments, blanks and duplicates.
// Unparseable lines are returned separately for logging.
func Parse(r io.Reader) ([]Record, []string, error) {
	var records []Record
	var invalid []string
	seen := make(map[string]bool)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := StripComment(sc.Text())
		if line == "" {
			continue
		}
		rec, ok := ParseLine(line)
		if !ok {
			invalid = append(invalid, line)
			continue
		}
		if seen[rec.Key()] {
			continue
		}
		seen[rec.Key()] = true
		rec.Index = len(records) + 1
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read proxy list: %w", err)
	}
	return records, invalid, nil
}

var challengeRe = regexp.MustCompile(`(?i)cloudflare|attention required|access denied|just a moment|cf-ray|challenge-form|cf-chl`)

// IsChallenge reports whether a response body looks like an
// anti-automation challenge page.
func IsChallenge(body string) bool {
	return challengeRe.MatchString(body)
}
