package cable

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

type originPolicy struct {
	allowAll   bool
	sameOrigin bool
	exact      map[string]bool
	patterns   []*regexp.Regexp
}

func newOriginPolicy(cfg Config) (*originPolicy, error) {
	p := &originPolicy{
		allowAll:   cfg.DisableRequestForgeryProtection,
		sameOrigin: cfg.AllowSameOriginAsHost,
		exact:      make(map[string]bool),
	}

	for _, origin := range cfg.AllowedRequestOrigins {
		if len(origin) > 2 && strings.HasPrefix(origin, "/") && strings.HasSuffix(origin, "/") {
			re, err := regexp.Compile(origin[1 : len(origin)-1])
			if err != nil {
				return nil, fmt.Errorf("invalid allowed origin pattern %q: %w", origin, err)
			}
			p.patterns = append(p.patterns, re)
			continue
		}
		p.exact[origin] = true
	}
	return p, nil
}

func (p *originPolicy) allow(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	if p.sameOrigin && origin == requestScheme(r)+"://"+r.Host {
		return true
	}
	if p.exact[origin] {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return "https"
	}
	return "http"
}
