// Package extract turns raw catalog markup into typed fragments: outbound
// links for catalog and listing pages, product records for detail pages.
// Extraction is pure: identical input always yields identical output.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/skudata/catalog-crawler/internal/crawler"
)

// Selectors for the storefront markup. The build hashes in class names churn
// between deploys, so matching uses the stable prefix of each class.
const (
	selCategoryLinks  = "div.ant-col.ant-col-xs-24.ant-col-sm-12.ant-col-lg-7 a"
	selProductTitle   = "h1[class*='ProductInformation_productTitle']"
	selBreadcrumbs    = "div[class*='CategoryBreadcrumbs_sectionWrap'] span > a"
	selVariantInfo    = "div[class*='ProductInformation_variantInfo'] div"
	selDescription    = "div[class*='ProductDescription_descriptionBox'] div p"
	selProductImage   = "img.image-gallery-image"
	selProductPrice   = "[class*='ProductPrice_price']"
	selBenefits       = "div[class*='ProductBenefits_productBenefits'] li"
	manufacturerLabel = "Hersteller"
	supplierName      = "igefa Handelsgesellschaft"
)

// Config describes the site layout the extractor navigates.
type Config struct {
	// ListingAPIURL is the product listing endpoint, queried per taxonomy code.
	ListingAPIURL string
	// ProductBaseURL prefixes product detail pages: <base>/<slug>/<id>.
	ProductBaseURL string
	// PageSize is the listing page size used to derive pagination.
	PageSize int
}

// Extractor implements crawler.Extractor for the catalog site.
type Extractor struct {
	cfg Config
}

// New builds an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.ListingAPIURL == "" || cfg.ProductBaseURL == "" {
		return nil, fmt.Errorf("listing api url and product base url are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Extractor{cfg: cfg}, nil
}

// Extract dispatches on the page kind.
func (e *Extractor) Extract(kind crawler.PageKind, pageURL string, body []byte) (crawler.Extraction, error) {
	switch kind {
	case crawler.KindCatalog:
		return e.extractCatalog(pageURL, body)
	case crawler.KindListing:
		return e.extractListing(pageURL, body)
	case crawler.KindProduct:
		return e.extractProduct(pageURL, body)
	default:
		return crawler.Extraction{}, fmt.Errorf("unknown page kind %q", kind)
	}
}

// extractCatalog pulls category links off the root page and maps each to the
// first page of its listing API.
func (e *Extractor) extractCatalog(pageURL string, body []byte) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindCatalog, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}

	var links []crawler.Visit
	var linkErr error
	doc.Find(selCategoryLinks).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return true
		}
		ref, err := base.Parse(href)
		if err != nil {
			return true
		}
		code := lastPathSegment(ref.Path)
		if code == "" {
			return true
		}
		visit, err := e.listingVisit(code, 1)
		if err != nil {
			linkErr = err
			return false
		}
		links = append(links, visit)
		return true
	})
	if linkErr != nil {
		return crawler.Extraction{}, linkErr
	}
	if len(links) == 0 {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindCatalog, Reason: "no category links found"}
	}
	return crawler.Extraction{Links: dedupeVisits(links)}, nil
}

// listingPage is the shape of the listing API response.
type listingPage struct {
	Total *int `json:"total"`
	Hits  []struct {
		MainVariant struct {
			Slug string `json:"slug"`
			ID   string `json:"id"`
		} `json:"mainVariant"`
	} `json:"hits"`
}

// extractListing parses one JSON listing page into product links plus the next
// listing page when more results remain.
func (e *Extractor) extractListing(pageURL string, body []byte) (crawler.Extraction, error) {
	var page listingPage
	if err := json.Unmarshal(body, &page); err != nil {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindListing, Reason: fmt.Sprintf("parse json: %v", err)}
	}
	if page.Total == nil {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindListing, Reason: "missing total"}
	}

	u, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	q := u.Query()
	taxonomy := q.Get("filter[taxonomy]")
	pageNum, _ := strconv.Atoi(q.Get("page"))
	if pageNum <= 0 {
		pageNum = 1
	}

	var links []crawler.Visit
	for _, hit := range page.Hits {
		if hit.MainVariant.Slug == "" || hit.MainVariant.ID == "" {
			continue
		}
		productURL := fmt.Sprintf("%s/%s/%s",
			strings.TrimSuffix(e.cfg.ProductBaseURL, "/"), hit.MainVariant.Slug, hit.MainVariant.ID)
		key, err := crawler.NormalizeKey(productURL)
		if err != nil {
			continue
		}
		links = append(links, crawler.Visit{Key: key, Kind: crawler.KindProduct})
	}

	if taxonomy != "" && pageNum*e.cfg.PageSize < *page.Total {
		next, err := e.listingVisit(taxonomy, pageNum+1)
		if err != nil {
			return crawler.Extraction{}, err
		}
		links = append(links, next)
	}

	return crawler.Extraction{Links: dedupeVisits(links)}, nil
}

// extractProduct scrapes a detail page into a ProductRecord.
func (e *Extractor) extractProduct(pageURL string, body []byte) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindProduct, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	title := strings.TrimSpace(doc.Find(selProductTitle).First().Text())
	if title == "" {
		return crawler.Extraction{}, &crawler.MalformedPageError{Kind: crawler.KindProduct, Reason: "missing product title"}
	}

	key, err := crawler.NormalizeKey(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("normalize product url: %w", err)
	}

	attrs := map[string]string{"supplier": supplierName}

	if crumb := breadcrumbPath(doc); crumb != "" {
		attrs["category"] = crumb
	}

	info := variantInfo(doc)
	setIfPresent(attrs, "variation", info["Ausführung"])
	setIfPresent(attrs, "supplier_article_number", info["Artikelnummer"])
	setIfPresent(attrs, "ean", info["EAN"])
	setIfPresent(attrs, "manufacturer_number", info["Herstellernummer"])

	setIfPresent(attrs, "description", strings.TrimSpace(doc.Find(selDescription).First().Text()))

	if src, ok := doc.Find(selProductImage).First().Attr("src"); ok {
		setIfPresent(attrs, "image_url", src)
	}

	setIfPresent(attrs, "manufacturer", manufacturerFromTable(doc))
	setIfPresent(attrs, "benefits", benefits(doc))

	record := &crawler.ProductRecord{
		Key:        crawler.ProductKeyFor(key),
		Title:      title,
		Price:      strings.TrimSpace(doc.Find(selProductPrice).First().Text()),
		Attributes: attrs,
		SourceURL:  pageURL,
	}
	return crawler.Extraction{Product: record}, nil
}

// listingVisit builds the visit for one listing API page of a taxonomy.
func (e *Extractor) listingVisit(taxonomy string, page int) (crawler.Visit, error) {
	u, err := url.Parse(e.cfg.ListingAPIURL)
	if err != nil {
		return crawler.Visit{}, fmt.Errorf("parse listing api url: %w", err)
	}
	q := u.Query()
	q.Set("filter[taxonomy]", taxonomy)
	q.Set("limit", strconv.Itoa(e.cfg.PageSize))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	key, err := crawler.NormalizeKey(u.String())
	if err != nil {
		return crawler.Visit{}, err
	}
	return crawler.Visit{Key: key, Kind: crawler.KindListing}, nil
}

func breadcrumbPath(doc *goquery.Document) string {
	var parts []string
	doc.Find(selBreadcrumbs).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.Join(parts, "/")), " ", "-")
}

// variantInfo reads the "Key: Value" rows of the variant box.
func variantInfo(doc *goquery.Document) map[string]string {
	info := make(map[string]string)
	doc.Find(selVariantInfo).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		key, value, found := strings.Cut(text, ":")
		if !found {
			return
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	})
	return info
}

// manufacturerFromTable finds the td labeled exactly "Hersteller" and returns
// the adjacent cell. "Herstellernummer" rows must not match.
func manufacturerFromTable(doc *goquery.Document) string {
	var manufacturer string
	doc.Find("td").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != manufacturerLabel {
			return true
		}
		manufacturer = strings.TrimSpace(s.Next().Text())
		return false
	})
	return manufacturer
}

func benefits(doc *goquery.Document) string {
	var items []string
	doc.Find(selBenefits).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			items = append(items, text)
		}
	})
	return strings.Join(items, "; ")
}

func setIfPresent(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}

func lastPathSegment(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

func dedupeVisits(visits []crawler.Visit) []crawler.Visit {
	seen := make(map[crawler.VisitKey]struct{}, len(visits))
	out := visits[:0]
	for _, v := range visits {
		if _, ok := seen[v.Key]; ok {
			continue
		}
		seen[v.Key] = struct{}{}
		out = append(out, v)
	}
	return out
}
