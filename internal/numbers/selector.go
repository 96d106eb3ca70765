// Package numbers picks the sender number closest to a destination.
package numbers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

type Coord struct {
	Lat, Lng float64
}

// Tables map area codes and 3-digit zip prefixes to approximate
// coordinates. Tests swap in small fixtures.
type Tables struct {
	AreaCodes   map[string]Coord
	ZipPrefixes map[string]Coord
}

type Selector struct {
	store  core.NumberStore
	tables Tables
}

func NewSelector(store core.NumberStore, tables Tables) *Selector {
	return &Selector{store: store, tables: tables}
}

// Select returns the tenant's best sender number for postalCode, or ""
// when the tenant owns no active number.
func (s *Selector) Select(ctx context.Context, tenantID, postalCode string) (string, error) {
	owned, err := s.store.ActiveNumbers(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("active numbers: %w", err)
	}
	return s.pick(owned, postalCode), nil
}

func (s *Selector) pick(owned []core.OwnedNumber, postalCode string) string {
	switch len(owned) {
	case 0:
		return ""
	case 1:
		return owned[0].Phone
	}
	dest, ok := s.zipCoord(postalCode)
	if !ok {
		return owned[0].Phone
	}
	best, bestDist := "", math.MaxFloat64
	for _, n := range owned {
		c, ok := s.tables.AreaCodes[AreaCode(n.Phone)]
		if !ok {
			continue
		}
		if d := Haversine(dest, c); d < bestDist {
			best, bestDist = n.Phone, d
		}
	}
	if best == "" {
		return owned[0].Phone
	}
	return best
}

func (s *Selector) zipCoord(postalCode string) (Coord, bool) {
	digits := strings.TrimSpace(postalCode)
	if len(digits) < 3 {
		return Coord{}, false
	}
	c, ok := s.tables.ZipPrefixes[digits[:3]]
	return c, ok
}

// AreaCode extracts the NANP area code of phone, or "" for numbers outside
// country code 1.
func AreaCode(phone string) string {
	num, err := phonenumbers.Parse(phone, "US")
	if err != nil || num.GetCountryCode() != 1 {
		return ""
	}
	nsn := phonenumbers.GetNationalSignificantNumber(num)
	if len(nsn) < 10 {
		return ""
	}
	return nsn[:3]
}

const earthRadiusKm = 6371.0

// Haversine is the great-circle distance between a and b in kilometres.
func Haversine(a, b Coord) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
