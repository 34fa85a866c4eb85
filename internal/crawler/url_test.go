package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want VisitKey
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://Store.Example.DE/c/kategorien",
			want: "https://store.example.de/c/kategorien",
		},
		{
			name: "strips default https port",
			in:   "https://store.example.de:443/p/mop",
			want: "https://store.example.de/p/mop",
		},
		{
			name: "strips default http port",
			in:   "http://store.example.de:80/p/mop",
			want: "http://store.example.de/p/mop",
		},
		{
			name: "keeps explicit non-default port",
			in:   "https://store.example.de:8443/p/mop",
			want: "https://store.example.de:8443/p/mop",
		},
		{
			name: "drops fragment",
			in:   "https://store.example.de/p/mop#details",
			want: "https://store.example.de/p/mop",
		},
		{
			name: "sorts query parameters",
			in:   "https://api.example.de/products?page=2&limit=20&filter=abc",
			want: "https://api.example.de/products?filter=abc&limit=20&page=2",
		},
		{
			name: "trims trailing slash on non-root path",
			in:   "https://store.example.de/c/kategorien/",
			want: "https://store.example.de/c/kategorien",
		},
		{
			name: "keeps root path",
			in:   "https://store.example.de/",
			want: "https://store.example.de/",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeKey(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeKeyEquivalentSpellingsCollapse(t *testing.T) {
	t.Parallel()

	a, err := NormalizeKey("https://Store.Example.DE:443/p/mop/?b=2&a=1#x")
	require.NoError(t, err)
	b, err := NormalizeKey("https://store.example.de/p/mop?a=1&b=2")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNormalizeKeyRejectsRelativeURLs(t *testing.T) {
	t.Parallel()

	_, err := NormalizeKey("/p/mop")
	require.Error(t, err)
	_, err = NormalizeKey("store.example.de/p/mop")
	require.Error(t, err)
}

func TestProductKeyFor(t *testing.T) {
	t.Parallel()

	key := VisitKey("https://store.example.de/p/mop")
	require.Equal(t, ProductKey("https://store.example.de/p/mop"), ProductKeyFor(key))
}
