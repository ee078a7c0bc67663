package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/metrics"
)

type LocationData struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Timezone string `json:"timezone"`
}

// Result is the outcome of one lookup. Nil fields mean the lookup failed.
type Result struct {
	IPAddress    *string
	LocationData *LocationData
}

// Resolver looks up the visitor's coarse location. Implementations never
// fail; a failed lookup yields an empty Result.
type Resolver interface {
	FetchLocationData(ctx context.Context) Result
}

const ipPlaceholder = "{ip}"

// HTTPResolver queries a third-party IP geolocation endpoint.
type HTTPResolver struct {
	client   *http.Client
	endpoint string
}

func NewHTTPResolver(endpoint string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

// ForIP returns a resolver for one client address, filling the "{ip}"
// placeholder of the endpoint. Endpoints without the placeholder look up the
// caller's own address.
func (r *HTTPResolver) ForIP(ip string) Resolver {
	if !strings.Contains(r.endpoint, ipPlaceholder) {
		return r
	}
	if ip == "" {
		return nil
	}
	return &HTTPResolver{
		client:   r.client,
		endpoint: strings.ReplaceAll(r.endpoint, ipPlaceholder, url.PathEscape(ip)),
	}
}

type ipLookupResponse struct {
	IP          string `json:"ip"`
	CountryName string `json:"country_name"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

func (r *HTTPResolver) FetchLocationData(ctx context.Context) Result {
	res, err := r.fetch(ctx)
	if err != nil {
		metrics.LocationLookups.WithLabelValues("failed").Inc()
		log.Debug().Err(err).Str("endpoint", r.endpoint).Msg("Location lookup failed")
		return Result{}
	}
	metrics.LocationLookups.WithLabelValues("resolved").Inc()
	return res
}

func (r *HTTPResolver) fetch(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("location lookup: unexpected status %d", resp.StatusCode)
	}

	var body ipLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("location lookup: decode: %w", err)
	}
	if body.Error {
		return Result{}, fmt.Errorf("location lookup: %s", body.Reason)
	}

	ip := body.IP
	return Result{
		IPAddress: &ip,
		LocationData: &LocationData{
			Country:  body.CountryName,
			Region:   body.Region,
			City:     body.City,
			Timezone: body.Timezone,
		},
	}, nil
}

type cityLookup interface {
	City(ip net.IP) (*geoip2.City, error)
}

// GeoIPDatabase resolves locations from a local MaxMind city database.
type GeoIPDatabase struct {
	reader cityLookup
	closer func() error
}

// OpenGeoIP opens the database at path. An empty path yields nil.
func OpenGeoIP(path string) (*GeoIPDatabase, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIPDatabase{reader: reader, closer: reader.Close}, nil
}

// For returns a Resolver for one known client address.
func (db *GeoIPDatabase) For(clientIP string) Resolver {
	return geoIPResolver{db: db, clientIP: clientIP}
}

func (db *GeoIPDatabase) Close() {
	if db != nil && db.closer != nil {
		db.closer()
	}
}

type geoIPResolver struct {
	db       *GeoIPDatabase
	clientIP string
}

func (r geoIPResolver) FetchLocationData(ctx context.Context) Result {
	if r.db == nil || r.db.reader == nil {
		return Result{}
	}
	ip := net.ParseIP(r.clientIP)
	if ip == nil {
		return Result{}
	}
	record, err := r.db.reader.City(ip)
	if err != nil {
		metrics.LocationLookups.WithLabelValues("failed").Inc()
		log.Debug().Err(err).Msg("GeoIP lookup failed")
		return Result{}
	}
	metrics.LocationLookups.WithLabelValues("resolved").Inc()

	data := &LocationData{
		Country:  record.Country.Names["en"],
		City:     record.City.Names["en"],
		Timezone: record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		data.Region = record.Subdivisions[0].Names["en"]
	}
	addr := r.clientIP
	return Result{IPAddress: &addr, LocationData: data}
}

// Chain tries each resolver in order and returns the first result carrying
// location data.
type Chain []Resolver

func (c Chain) FetchLocationData(ctx context.Context) Result {
	var last Result
	for _, r := range c {
		if r == nil {
			continue
		}
		res := r.FetchLocationData(ctx)
		if res.LocationData != nil {
			return res
		}
		if res.IPAddress != nil {
			last = res
		}
	}
	return last
}
