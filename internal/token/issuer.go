// Package token mints signed room access credentials.
//
// Tokens are HS256 JWTs shaped like LiveKit access tokens, so the same
// credential works against a LiveKit server configured with the same key
// pair. Issuing is stateless: nothing is recorded.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL = 15 * time.Minute

	maxNameLength = 128
)

var (
	// ErrTokenRequestMalformed is returned for requests that cannot be
	// turned into a grant.
	ErrTokenRequestMalformed = errors.New("token request malformed")
	// ErrInvalidToken is returned by Decode for tokens that fail
	// verification.
	ErrInvalidToken = errors.New("invalid access token")
)

// Config holds the signing material. Secret is never logged.
type Config struct {
	APIKey    string
	APISecret string
	URL       string
	TTL       time.Duration
}

// Request asks for a grant. Empty fields get generated defaults.
type Request struct {
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// Response is returned to the client that will join the room.
type Response struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// VideoGrant carries room permissions under the "video" claim.
type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	Room         string `json:"room,omitempty"`
	CanPublish   *bool  `json:"canPublish,omitempty"`
	CanSubscribe *bool  `json:"canSubscribe,omitempty"`
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// AccessGrant is the verified content of a token.
type AccessGrant struct {
	ID           string
	Identity     string
	Name         string
	Room         string
	RoomJoin     bool
	CanPublish   bool
	CanSubscribe bool
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Issuer mints and verifies access tokens.
type Issuer struct {
	apiKey string
	secret []byte
	url    string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer validates cfg and returns an issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("token api key is required")
	}
	if cfg.APISecret == "" {
		return nil, errors.New("token api secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		apiKey: cfg.APIKey,
		secret: []byte(cfg.APISecret),
		url:    cfg.URL,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// URL returns the transport URL clients connect to.
func (i *Issuer) URL() string {
	return i.url
}

// Issue mints a token for req. Two calls with the same request return
// distinct tokens that decode to equivalent grants.
func (i *Issuer) Issue(req Request) (Response, error) {
	room := strings.TrimSpace(req.Room)
	identity := strings.TrimSpace(req.Identity)
	if room == "" {
		room = DefaultRoomName()
	}
	if identity == "" {
		identity = DefaultIdentity()
	}
	if err := validateName("room", room); err != nil {
		return Response{}, err
	}
	if err := validateName("identity", identity); err != nil {
		return Response{}, err
	}

	now := i.now().UTC()
	yes := true
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Name: identity,
		Video: &VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   &yes,
			CanSubscribe: &yes,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Response{}, fmt.Errorf("sign token: %w", err)
	}
	return Response{
		Token:    signed,
		URL:      i.url,
		Room:     room,
		Identity: identity,
	}, nil
}

// Decode verifies signature, issuer and expiry and returns the grant.
func (i *Issuer) Decode(raw string) (AccessGrant, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.apiKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return AccessGrant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room == "" {
		return AccessGrant{}, fmt.Errorf("%w: missing room join grant", ErrInvalidToken)
	}

	g := AccessGrant{
		ID:           claims.ID,
		Identity:     claims.Subject,
		Name:         claims.Name,
		Room:         claims.Video.Room,
		RoomJoin:     claims.Video.RoomJoin,
		CanPublish:   claims.Video.CanPublish != nil && *claims.Video.CanPublish,
		CanSubscribe: claims.Video.CanSubscribe != nil && *claims.Video.CanSubscribe,
	}
	if claims.IssuedAt != nil {
		g.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}

// DefaultRoomName returns "test-room-" followed by 8 random hex characters.
func DefaultRoomName() string {
	return "test-room-" + randomHex(8)
}

// DefaultIdentity returns "user-" followed by 6 random hex characters.
func DefaultIdentity() string {
	return "user-" + randomHex(6)
}

func randomHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func validateName(field, v string) error {
	if len(v) > maxNameLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrTokenRequestMalformed, field, maxNameLength)
	}
	for _, r := range v {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' || r == '\\' || r == unicode.ReplacementChar {
			return fmt.Errorf("%w: %s contains invalid character %q", ErrTokenRequestMalformed, field, r)
		}
	}
	return nil
}
