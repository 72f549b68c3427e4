package airquality

import (
	"fmt"
	"sort"
)

// DefaultLocations is the fixed set of places served by the API.
var DefaultLocations = []Location{
	{ID: "washington_dc", Name: "Washington, DC", Lat: 38.9072, Lon: -77.0369, Timezone: "America/New_York"},
	{ID: "los_angeles", Name: "Los Angeles, CA", Lat: 34.0522, Lon: -118.2437, Timezone: "America/Los_Angeles"},
	{ID: "new_york", Name: "New York, NY", Lat: 40.7128, Lon: -74.0060, Timezone: "America/New_York"},
	{ID: "chicago", Name: "Chicago, IL", Lat: 41.8781, Lon: -87.6298, Timezone: "America/Chicago"},
	{ID: "houston", Name: "Houston, TX", Lat: 29.7604, Lon: -95.3698, Timezone: "America/Chicago"},
}

// Catalog is an immutable lookup of known locations.
type Catalog struct {
	byID map[string]Location
}

// NewCatalog indexes locs by ID. Duplicate IDs are rejected.
func NewCatalog(locs []Location) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Location, len(locs))}
	for _, l := range locs {
		if l.ID == "" {
			return nil, fmt.Errorf("location %q has no id", l.Name)
		}
		if _, dup := c.byID[l.ID]; dup {
			return nil, fmt.Errorf("duplicate location id %q", l.ID)
		}
		c.byID[l.ID] = l
	}
	return c, nil
}

// Lookup returns the location with the given id or ErrUnknownLocation.
func (c *Catalog) Lookup(id string) (Location, error) {
	l, ok := c.byID[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: %q", ErrUnknownLocation, id)
	}
	return l, nil
}

// Resolve maps ids onto locations, failing on the first unknown id.
func (c *Catalog) Resolve(ids []string) ([]Location, error) {
	out := make([]Location, 0, len(ids))
	for _, id := range ids {
		l, err := c.Lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// IDs returns all location ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
