package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skudata/catalog-crawler/internal/clock/system"
	"github.com/skudata/catalog-crawler/internal/config"
	"github.com/skudata/catalog-crawler/internal/crawler"
	"github.com/skudata/catalog-crawler/internal/logging"
)

// csvHeader defines the export column order. Attribute columns map directly
// onto the keys the extractor records.
var csvHeader = []string{
	"key",
	"title",
	"price",
	"supplier",
	"category",
	"variation",
	"supplier_article_number",
	"ean",
	"manufacturer_number",
	"manufacturer",
	"description",
	"image_url",
	"benefits",
	"source_url",
	"extracted_at",
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Exports captured products to CSV",
		Long: `Writes every product in the checkpoint store to the configured CSV file.
The export reflects whatever the crawl has captured so far; it can run while
a crawl is stopped or between resumed runs.`,
		RunE: runExport,
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is harmless

	store, err := openStore(ctx, cfg, system.New())
	if err != nil {
		return err
	}
	defer store.Close()

	products, err := store.AllProducts(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if dir := filepath.Dir(cfg.Export.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	f, err := os.Create(cfg.Export.Path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range products {
		if err := w.Write(productRow(p)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	logger.Info("export complete",
		zap.String("path", cfg.Export.Path),
		zap.Int("products", len(products)),
	)
	return nil
}

func productRow(p crawler.ProductRecord) []string {
	attr := func(key string) string { return p.Attributes[key] }
	return []string{
		string(p.Key),
		p.Title,
		p.Price,
		attr("supplier"),
		attr("category"),
		attr("variation"),
		attr("supplier_article_number"),
		attr("ean"),
		attr("manufacturer_number"),
		attr("manufacturer"),
		attr("description"),
		attr("image_url"),
		attr("benefits"),
		p.SourceURL,
		p.ExtractedAt.UTC().Format(time.RFC3339),
	}
}
