package offline

import (
	"slices"
	"strings"
	"time"

	errs "github.com/jmgilman/go/errors"
)

// Version is the immutable description of one worker build. Bumping either
// cache identifier is how a deploy invalidates that cache.
type Version struct {
	StaticCache  string
	DynamicCache string
	// Assets are root-relative paths fetched all-or-nothing at install.
	Assets []string
	// Shell is served to navigations when the network is unreachable.
	Shell         string
	Retention     int
	TrimEvery     time.Duration
	SkipWaiting   bool
	MaxEntryBytes int64 // 0 means unlimited
}

func (v Version) Validate() error {
	if v.StaticCache == "" || v.DynamicCache == "" {
		return errs.New(errs.CodeInvalidConfig, "version: static and dynamic cache identifiers are required")
	}
	if v.StaticCache == v.DynamicCache {
		return errs.Newf(errs.CodeInvalidConfig, "version: static and dynamic caches share identifier %q", v.StaticCache)
	}
	for i, a := range v.Assets {
		if !strings.HasPrefix(a, "/") {
			return errs.Newf(errs.CodeInvalidConfig, "version: assets[%d] %q is not root-relative", i, a)
		}
	}
	if !strings.HasPrefix(v.Shell, "/") {
		return errs.Newf(errs.CodeInvalidConfig, "version: shell %q is not root-relative", v.Shell)
	}
	if v.Retention <= 0 {
		return errs.Newf(errs.CodeInvalidConfig, "version: retention must be positive, got %d", v.Retention)
	}
	if v.TrimEvery < 0 {
		return errs.New(errs.CodeInvalidConfig, "version: trim interval must not be negative")
	}
	return nil
}

// Equal reports whether two versions describe the same build.
func (v Version) Equal(o Version) bool {
	return v.StaticCache == o.StaticCache &&
		v.DynamicCache == o.DynamicCache &&
		slices.Equal(v.Assets, o.Assets) &&
		v.Shell == o.Shell &&
		v.Retention == o.Retention &&
		v.TrimEvery == o.TrimEvery &&
		v.SkipWaiting == o.SkipWaiting &&
		v.MaxEntryBytes == o.MaxEntryBytes
}

func (v Version) live(name string) bool {
	return name == v.StaticCache || name == v.DynamicCache
}
