package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDigits(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		cc   string
		want string
	}{
		{"local trunk prefix", "0300-1234567", "92", "923001234567"},
		{"international with plus", "+923001234567", "92", "923001234567"},
		{"spaces and parens", "(0300) 123 4567", "92", "923001234567"},
		{"other country code", "07911 123456", "44", "447911123456"},
		{"already international digits", "923001234567", "92", "923001234567"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeDigits(tc.raw, tc.cc)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeDigitsRejectsImplausibleNumbers(t *testing.T) {
	for _, raw := range []string{"", "abc", "12345", "+1234567890123456"} {
		_, err := NormalizeDigits(raw, "92")
		require.ErrorIs(t, err, ErrInvalidRecipient, raw)
	}
}

func TestCanonicalAddress(t *testing.T) {
	got, err := CanonicalAddress("0300-1234567", "92", "@c.us")
	require.NoError(t, err)
	require.Equal(t, "923001234567@c.us", got)

	got, err = CanonicalAddress(" 923001234567@c.us ", "92", "@c.us")
	require.NoError(t, err)
	require.Equal(t, "923001234567@c.us", got)

	_, err = CanonicalAddress("group-chat@c.us", "92", "@c.us")
	require.ErrorIs(t, err, ErrInvalidRecipient)
}
