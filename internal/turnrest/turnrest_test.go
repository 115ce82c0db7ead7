package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func mockAt(unix int64) *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Unix(unix, 0))
	return clk
}

func expectedCredential(t *testing.T, secret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "aero",
		Clock:          mockAt(1_700_000_000),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("peer123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if want := int64(1_700_003_600); creds.ExpiryUnix != want {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, want)
	}
	wantUsername := "1700003600:aero:peer123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential(t, []byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_ExpiryFollowsClock(t *testing.T) {
	clk := mockAt(42)
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "secret", TTLSeconds: 10, UsernamePrefix: "aero", Clock: clk})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	first, _ := g.Generate("p")
	clk.Add(5 * time.Second)
	second, _ := g.Generate("p")

	if first.ExpiryUnix != 52 || second.ExpiryUnix != 57 {
		t.Fatalf("expiries=%d,%d, want 52,57", first.ExpiryUnix, second.ExpiryUnix)
	}
}

func TestGenerateRandom_UsesIDSource(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     60,
		UsernamePrefix: "mesh",
		Clock:          mockAt(0),
		IDSource:       func() string { return "fixed" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "60:mesh:fixed" {
		t.Fatalf("Username=%q", creds.Username)
	}
}

func TestGenerateRandom_DefaultIDIsUUID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "secret", TTLSeconds: 60, UsernamePrefix: "mesh"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	parts := strings.Split(creds.Username, ":")
	if len(parts) != 3 || len(parts[2]) != 36 {
		t.Fatalf("Username=%q, want <expiry>:mesh:<uuid>", creds.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []GeneratorConfig{
		{TTLSeconds: 1, UsernamePrefix: "a"},
		{SharedSecret: "s", UsernamePrefix: "a"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}

	g, _ := NewGenerator(GeneratorConfig{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a"})
	if _, err := g.Generate(""); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for id with colon")
	}
}
