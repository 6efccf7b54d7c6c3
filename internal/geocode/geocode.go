package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"
)

var ErrGeocodeFailed = errors.New("geocode failed")

// Place is a resolved address.
type Place struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Address   string  `json:"address"`
}

type Geocoder interface {
	AddressToCoords(ctx context.Context, address string) (Place, error)
}

// Google resolves addresses with the Google Maps geocoding API.
type Google struct {
	client *maps.Client
}

func NewGoogle(apiKey string, opts ...maps.ClientOption) (*Google, error) {
	if apiKey == "" {
		return nil, errors.New("maps api key required")
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Google{client: client}, nil
}

func (g *Google) AddressToCoords(ctx context.Context, address string) (Place, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Place{}, fmt.Errorf("%w: empty address", ErrGeocodeFailed)
	}

	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return Place{}, fmt.Errorf("%w: %q: %w", ErrGeocodeFailed, address, err)
	}
	if len(results) == 0 {
		return Place{}, fmt.Errorf("%w: %q: address not found", ErrGeocodeFailed, address)
	}

	best := results[0]
	place := Place{
		Latitude:  best.Geometry.Location.Lat,
		Longitude: best.Geometry.Location.Lng,
		Address:   best.FormattedAddress,
	}
	if place.Address == "" {
		place.Address = address
	}
	return place, nil
}
