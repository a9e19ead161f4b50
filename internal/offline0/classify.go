package offline0

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Role is a logical cache partition. Each role has one region per generation.
type Role string

const (
	RoleShell   Role = "shell"
	RoleDynamic Role = "dynamic"
	RoleImages  Role = "images"
)

var allRoles = []Role{RoleShell, RoleDynamic, RoleImages}

func parseRole(s string) (Role, bool) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// RoutingClass decides which strategy serves a request.
type RoutingClass int

const (
	// Ignore: not GET, or not an http(s) URL. Never intercepted.
	Ignore RoutingClass = iota
	ShellStatic
	DynamicAPI
	RemoteImage
	// Passthrough: the URL could not be understood; sent to the network untouched.
	Passthrough
)

func (c RoutingClass) String() string {
	switch c {
	case Ignore:
		return "ignore"
	case ShellStatic:
		return "shell-static"
	case DynamicAPI:
		return "dynamic-api"
	case RemoteImage:
		return "remote-image"
	case Passthrough:
		return "passthrough"
	}
	return fmt.Sprintf("RoutingClass(%d)", int(c))
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// Classifier is a pure function of its routing tables.
type Classifier struct {
	dynamic []pathPrefixMatcher
	images  map[string]struct{}
}

func NewClassifier(rc RoutingConfig) *Classifier {
	c := &Classifier{images: make(map[string]struct{}, len(rc.ImageHosts))}
	for _, p := range rc.DynamicPrefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			c.dynamic = append(c.dynamic, pathPrefixMatcher{Prefix: p})
		}
	}
	for _, h := range rc.ImageHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			c.images[h] = struct{}{}
		}
	}
	return c
}

func (c *Classifier) Classify(r *http.Request) RoutingClass {
	if r.Method != http.MethodGet {
		return Ignore
	}
	if r.URL == nil || r.URL.Host == "" {
		return Passthrough
	}
	return c.classifyURL(r.URL)
}

func (c *Classifier) classifyURL(u *url.URL) RoutingClass {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Ignore
	}
	for _, m := range c.dynamic {
		if m.Match(u.Path) {
			return DynamicAPI
		}
	}
	if _, ok := c.images[strings.ToLower(u.Hostname())]; ok {
		return RemoteImage
	}
	return ShellStatic
}
