package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	DefaultRoutesLimit = 12
	MinRoutesLimit     = 3
	MaxRoutesLimit     = 50

	unknownRoute  = "/unknown"
	unknownDevice = "unknown"

	uxBatchSize = 500
)

type UXPoint struct {
	Samples     int64    `json:"samples"`
	PoorCount   int64    `json:"poor_count"`
	PoorRatePct float64  `json:"poor_rate_pct"`
	LCPAvg      *float64 `json:"lcp_avg"`
	CLSAvg      *float64 `json:"cls_avg"`
	INPAvg      *float64 `json:"inp_avg"`
	FIDAvg      *float64 `json:"fid_avg"`
}

type UXRoute struct {
	PagePath string `json:"page_path"`
	UXPoint
}

type UXDevice struct {
	DeviceCategory string `json:"device_category"`
	UXPoint
}

type UXQuality struct {
	Range   Range      `json:"range"`
	Totals  UXPoint    `json:"totals"`
	Routes  []UXRoute  `json:"routes"`
	Devices []UXDevice `json:"devices"`
}

// ClampRoutesLimit maps the route limit onto [3, 50], default 12.
func ClampRoutesLimit(limit int) int {
	if limit <= 0 {
		return DefaultRoutesLimit
	}
	return clampInt(limit, MinRoutesLimit, MaxRoutesLimit)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// vitalSample is the metadata a web_vital_reported event carries. Value
// arrives as a number or a numeric string depending on the client.
type vitalSample struct {
	MetricName     string          `json:"metricName"`
	Rating         string          `json:"rating"`
	Value          json.RawMessage `json:"value"`
	DeviceCategory string          `json:"deviceCategory"`
}

func (v vitalSample) value() (float64, bool) {
	raw := strings.Trim(strings.TrimSpace(string(v.Value)), `"`)
	if raw == "" || raw == "null" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

type mean struct {
	sum float64
	n   int64
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m mean) value(places float64) *float64 {
	if m.n == 0 {
		return nil
	}
	scale := math.Pow(10, places)
	v := math.Round(m.sum/float64(m.n)*scale) / scale
	return &v
}

type uxAccumulator struct {
	samples, poor      int64
	lcp, cls, inp, fid mean
}

func (a *uxAccumulator) add(s vitalSample) {
	a.samples++
	if strings.EqualFold(s.Rating, "poor") {
		a.poor++
	}
	v, ok := s.value()
	if !ok {
		return
	}
	switch strings.ToUpper(s.MetricName) {
	case "LCP":
		a.lcp.add(v)
	case "CLS":
		a.cls.add(v)
	case "INP":
		a.inp.add(v)
	case "FID":
		a.inp.add(v)
		a.fid.add(v)
	}
}

func (a *uxAccumulator) point() UXPoint {
	return UXPoint{
		Samples:     a.samples,
		PoorCount:   a.poor,
		PoorRatePct: Rate(a.poor, a.samples),
		LCPAvg:      a.lcp.value(2),
		CLSAvg:      a.cls.value(4),
		INPAvg:      a.inp.value(2),
		FIDAvg:      a.fid.value(2),
	}
}

// UX summarises web vitals overall, per route and per device category.
// Routes are ordered by poor samples then volume.
func (s *Service) UX(ctx context.Context, days, routesLimit int) (*UXQuality, error) {
	routesLimit = ClampRoutesLimit(routesLimit)
	return cached(ctx, s, viewKey("ux", days, routesLimit), func() (*UXQuality, error) {
		return s.computeUX(ctx, days, routesLimit)
	})
}

func (s *Service) computeUX(ctx context.Context, days, routesLimit int) (*UXQuality, error) {
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	rng := s.window(days)

	var totals uxAccumulator
	routes := map[string]*uxAccumulator{}
	devices := map[string]*uxAccumulator{}

	var rows []models.AnalyticsEvent
	err := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).
		Select("id", "page_path", "metadata_json").
		Where("event_name = ? AND event_ts >= ?", models.EventWebVitalReported, rng.Start).
		FindInBatches(&rows, uxBatchSize, func(tx *gorm.DB, batch int) error {
			for _, row := range rows {
				var sample vitalSample
				if row.MetadataJSON != "" {
					// Malformed metadata still counts as a sample.
					_ = json.Unmarshal([]byte(row.MetadataJSON), &sample)
				}
				totals.add(sample)

				path := unknownRoute
				if row.PagePath != nil && *row.PagePath != "" {
					path = *row.PagePath
				}
				accumulate(routes, path, sample)

				device := strings.TrimSpace(sample.DeviceCategory)
				if device == "" {
					device = unknownDevice
				}
				accumulate(devices, device, sample)
			}
			return nil
		}).Error
	if err != nil {
		return nil, fmt.Errorf("web vitals: %w", err)
	}

	out := &UXQuality{Range: rng, Totals: totals.point(), Routes: []UXRoute{}, Devices: []UXDevice{}}
	for path, acc := range routes {
		out.Routes = append(out.Routes, UXRoute{PagePath: path, UXPoint: acc.point()})
	}
	sort.Slice(out.Routes, func(i, j int) bool {
		a, b := out.Routes[i], out.Routes[j]
		if a.PoorCount != b.PoorCount {
			return a.PoorCount > b.PoorCount
		}
		if a.Samples != b.Samples {
			return a.Samples > b.Samples
		}
		return a.PagePath < b.PagePath
	})
	if len(out.Routes) > routesLimit {
		out.Routes = out.Routes[:routesLimit]
	}

	for device, acc := range devices {
		out.Devices = append(out.Devices, UXDevice{DeviceCategory: device, UXPoint: acc.point()})
	}
	sort.Slice(out.Devices, func(i, j int) bool {
		a, b := out.Devices[i], out.Devices[j]
		if a.Samples != b.Samples {
			return a.Samples > b.Samples
		}
		return a.DeviceCategory < b.DeviceCategory
	})
	return out, nil
}

func accumulate(groups map[string]*uxAccumulator, key string, sample vitalSample) {
	acc, ok := groups[key]
	if !ok {
		acc = &uxAccumulator{}
		groups[key] = acc
	}
	acc.add(sample)
}
