package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

func TestProductRowColumnOrder(t *testing.T) {
	t.Parallel()

	p := crawler.ProductRecord{
		Key:   "https://store.example/p/mop-1",
		Title: "Mop",
		Price: "12.99",
		Attributes: map[string]string{
			"supplier":                "igefa Handelsgesellschaft",
			"category":                "Cleaning/Mops",
			"ean":                     "4001234567890",
			"supplier_article_number": "A-100",
		},
		SourceURL:   "https://store.example/p/mop-1",
		ExtractedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	row := productRow(p)
	require.Len(t, row, len(csvHeader))
	require.Equal(t, "https://store.example/p/mop-1", row[0])
	require.Equal(t, "Mop", row[1])
	require.Equal(t, "12.99", row[2])
	require.Equal(t, "igefa Handelsgesellschaft", row[3])
	require.Equal(t, "4001234567890", row[7])
	require.Equal(t, "", row[8]) // manufacturer_number not captured
	require.Equal(t, "2025-06-01T12:00:00Z", row[len(row)-1])
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	require.True(t, names["crawl"])
	require.True(t, names["export"])
}
