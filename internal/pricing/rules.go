package pricing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// HourWindow is an inclusive range of clock hours, e.g. 6-9 covers 06:00-09:59.
type HourWindow struct {
	Start int
	End   int
}

func (w HourWindow) Contains(hour int) bool { return hour >= w.Start && hour <= w.End }

// BoundingBox is an open lat/lng rectangle.
type BoundingBox struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

func (b BoundingBox) Contains(c models.Coord) bool {
	return c.Lat > b.MinLat && c.Lat < b.MaxLat && c.Lng > b.MinLng && c.Lng < b.MaxLng
}

// Rules holds the dynamic pricing and fraud constants.
type Rules struct {
	PeakWindows        []HourWindow
	PeakMultiplier     float64
	DemandThreshold    int
	DemandWindow       time.Duration
	DemandMultiplier   float64
	Geofence           BoundingBox
	GeofenceMultiplier float64
	FraudRatio         float64
	Location           *time.Location
}

func DefaultRules() Rules {
	return Rules{
		PeakWindows:        []HourWindow{{Start: 6, End: 9}, {Start: 18, End: 21}},
		PeakMultiplier:     1.2,
		DemandThreshold:    5,
		DemandWindow:       time.Hour,
		DemandMultiplier:   1.1,
		Geofence:           BoundingBox{MinLat: 18.5, MinLng: 73.7, MaxLat: 19.0, MaxLng: 74.0},
		GeofenceMultiplier: 1.1,
		FraudRatio:         0.5,
		Location:           time.Local,
	}
}

// ParseHourWindows parses "6-9,18-21".
func ParseHourWindows(v string) ([]HourWindow, error) {
	var out []HourWindow
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("hour window %q: want start-end", part)
		}
		start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("hour window %q: %w", part, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
		if err != nil {
			return nil, fmt.Errorf("hour window %q: %w", part, err)
		}
		if start < 0 || end > 23 || start > end {
			return nil, fmt.Errorf("hour window %q out of range", part)
		}
		out = append(out, HourWindow{Start: start, End: end})
	}
	return out, nil
}

// ParseBoundingBox parses "minLat,minLng,maxLat,maxLng".
func ParseBoundingBox(v string) (BoundingBox, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bounding box %q: want 4 values", v)
	}
	var f [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("bounding box %q: %w", v, err)
		}
		f[i] = n
	}
	b := BoundingBox{MinLat: f[0], MinLng: f[1], MaxLat: f[2], MaxLng: f[3]}
	if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
		return BoundingBox{}, fmt.Errorf("bounding box %q is empty", v)
	}
	return b, nil
}
