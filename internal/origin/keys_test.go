package origin

import (
	"encoding/base64"
	"testing"
)

func TestParseRSAKeyRejectsBadExponents(t *testing.T) {
	modulus := base64.RawURLEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef})

	cases := []struct {
		name     string
		exponent []byte
	}{
		{name: "oversized", exponent: []byte{0x01, 0x00, 0x00, 0x00, 0x01}},
		{name: "zero", exponent: []byte{0x00}},
		{name: "one", exponent: []byte{0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseRSAKey(modulus, base64.RawURLEncoding.EncodeToString(tc.exponent))
			if err == nil {
				t.Fatalf("expected error for %s exponent", tc.name)
			}
		})
	}
}

func TestParseRSAKeyAcceptsCommonExponent(t *testing.T) {
	modulus := base64.RawURLEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef})

	key, err := parseRSAKey(modulus, "AQAB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", key.E)
	}
}
