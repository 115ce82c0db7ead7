// Package turnrest mints coturn-compatible TURN REST credentials for mesh
// peers, so two peers that cannot reach each other directly can fall back to
// a relayed candidate.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<peer_or_random_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Clock defaults to wall time. Expiry is computed in UTC.
	Clock clock.Clock

	// IDSource names credentials minted without a peer id. Defaults to a
	// random UUID.
	IDSource func() string
}

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	clock          clock.Clock
	idSource       func() string
}

// Credentials are handed to clients alongside the TURN URLs.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.IDSource == nil {
		cfg.IDSource = uuid.NewString
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		clock:          cfg.Clock,
		idSource:       cfg.IDSource,
	}, nil
}

// Generate mints credentials bound to id.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("id must not contain ':'")
	}
	expiryUnix := g.clock.Now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, id)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.idSource())
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
