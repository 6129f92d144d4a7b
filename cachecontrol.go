package octohttp

import (
	"strconv"
	"strings"
)

// CacheControl is the parsed set of Cache-Control directives relevant to
// the cache strategy engine (spec §3, §4.5). Numeric fields carry -1 for
// "absent"; MaxStaleSec additionally carries MaxStaleUnbounded for a bare
// "max-stale" directive with no delta-seconds (accept any staleness).
type CacheControl struct {
	NoCache        bool
	NoStore        bool
	MaxAgeSec      int
	SMaxAgeSec     int
	IsPrivate      bool
	IsPublic       bool
	MustRevalidate bool
	MaxStaleSec    int
	MinFreshSec    int
	OnlyIfCached   bool
	NoTransform    bool
	Immutable      bool
}

// MaxStaleUnbounded marks "accept any staleness" per spec §8 boundary law.
const MaxStaleUnbounded = 1<<31 - 1

func absentCacheControl() CacheControl {
	return CacheControl{MaxAgeSec: -1, SMaxAgeSec: -1, MaxStaleSec: -1, MinFreshSec: -1}
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives
// are silently dropped, per the round-trip law in spec §8: parse(render(cc))
// reproduces only the fields this type models.
func ParseCacheControl(header string) CacheControl {
	cc := absentCacheControl()
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch name {
		case "no-cache":
			cc.NoCache = true
		case "no-store":
			cc.NoStore = true
		case "private":
			cc.IsPrivate = true
		case "public":
			cc.IsPublic = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "only-if-cached":
			cc.OnlyIfCached = true
		case "no-transform":
			cc.NoTransform = true
		case "immutable":
			cc.Immutable = true
		case "max-age":
			cc.MaxAgeSec = parseSeconds(value)
		case "s-maxage":
			cc.SMaxAgeSec = parseSeconds(value)
		case "min-fresh":
			cc.MinFreshSec = parseSeconds(value)
		case "max-stale":
			if value == "" {
				cc.MaxStaleSec = MaxStaleUnbounded
			} else {
				cc.MaxStaleSec = parseSeconds(value)
			}
		}
	}
	return cc
}

func parseSeconds(v string) int {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	if n > MaxStaleUnbounded {
		return MaxStaleUnbounded
	}
	return int(n)
}

// String renders the directives back into a Cache-Control header value.
func (cc CacheControl) String() string {
	var parts []string
	add := func(s string) { parts = append(parts, s) }
	if cc.NoCache {
		add("no-cache")
	}
	if cc.NoStore {
		add("no-store")
	}
	if cc.IsPrivate {
		add("private")
	}
	if cc.IsPublic {
		add("public")
	}
	if cc.MustRevalidate {
		add("must-revalidate")
	}
	if cc.OnlyIfCached {
		add("only-if-cached")
	}
	if cc.NoTransform {
		add("no-transform")
	}
	if cc.Immutable {
		add("immutable")
	}
	if cc.MaxAgeSec >= 0 {
		add("max-age=" + strconv.Itoa(cc.MaxAgeSec))
	}
	if cc.SMaxAgeSec >= 0 {
		add("s-maxage=" + strconv.Itoa(cc.SMaxAgeSec))
	}
	if cc.MinFreshSec >= 0 {
		add("min-fresh=" + strconv.Itoa(cc.MinFreshSec))
	}
	if cc.MaxStaleSec == MaxStaleUnbounded {
		add("max-stale")
	} else if cc.MaxStaleSec >= 0 {
		add("max-stale=" + strconv.Itoa(cc.MaxStaleSec))
	}
	return strings.Join(parts, ", ")
}
