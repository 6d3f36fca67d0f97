package schedule

import (
	"sync"
	"time"
)

var locations sync.Map // name -> *time.Location

// LoadLocation returns the IANA location for name, falling back to fallback
// (or UTC) when name is empty or unknown. Results are cached.
func LoadLocation(name string, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if name == "" {
		return fallback
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	locations.Store(name, loc)
	return loc
}
