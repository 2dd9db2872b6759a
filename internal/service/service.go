// Package service holds the provider service model and admits calls to it.
package service

import (
	"context"
	"errors"
	"math/big"
	"path"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusSuspended Status = "suspended"
	StatusActive    Status = "active"
)

var (
	ErrNotFound = errors.New("service not found")
	ErrBadSlug  = errors.New("invalid service slug")
	// ErrNotAdmitted is returned when the service status does not permit
	// proxying and no bypass applies.
	ErrNotAdmitted = errors.New("service not admitted")
)

// AccessRequirements are the caller-facing conditions a provider attaches to
// a service. Only RequireOpenSeal is enforced by the gateway; the others are
// advertised.
type AccessRequirements struct {
	MinGrade        string `json:"min_grade,omitempty"`
	RequireOpenSeal bool   `json:"require_openseal"`
	RequireZKProof  bool   `json:"require_zk_proof"`
}

// Config is a registered provider service. The admission pipeline treats it
// as read-only.
type Config struct {
	ID                string
	Slug              string
	Name              string
	Description       string
	OwnerAddress      string
	UpstreamURL       string
	PriceUSD          string
	EndpointPrices    map[string]string // sub-path prefix -> USD
	Access            AccessRequirements
	Status            Status
	SigningSecret     string
	OpenSealRootHash  string
	SettlementAddress string
	VerificationToken string
	VerifiedAt        *time.Time
	CreatedAt         time.Time
}

// PriceFor returns the USD base price for subPath: the price of the longest
// endpoint prefix that matches whole segments of the cleaned path, else the
// service price. An unparsable price is reported as an error so a
// misconfigured service never proxies for free.
func (s *Config) PriceFor(subPath string) (*big.Rat, error) {
	price := s.PriceUSD
	if len(s.EndpointPrices) > 0 {
		prefixes := make([]string, 0, len(s.EndpointPrices))
		for p := range s.EndpointPrices {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		p := path.Clean("/" + subPath)
		for _, prefix := range prefixes {
			if segmentPrefix(p, path.Clean("/"+prefix)) {
				price = s.EndpointPrices[prefix]
				break
			}
		}
	}
	if strings.TrimSpace(price) == "" {
		return new(big.Rat), nil
	}
	r, ok := new(big.Rat).SetString(strings.TrimSpace(price))
	if !ok || r.Sign() < 0 {
		return nil, errors.New("invalid price " + price)
	}
	return r, nil
}

// segmentPrefix reports whether prefix covers p on a segment boundary, so
// "/premium" matches "/premium/x" but not "/premiumX".
func segmentPrefix(p, prefix string) bool {
	if prefix == "/" || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// Repository is the persistence surface the gateway needs for services.
type Repository interface {
	GetBySlug(ctx context.Context, slug string) (*Config, error)
	ListVerified(ctx context.Context, query string, limit int) ([]*Config, error)
	SetVerificationToken(ctx context.Context, slug, token string) error
	MarkVerified(ctx context.Context, slug string) error
}
