package suppliers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/fault"
)

const (
	element14DefaultBaseURL = "https://api.element14.com/catalog/products"
	element14DefaultStore   = "uk.farnell.com"
)

// Element14Adapter talks to the element14 (Farnell/Newark) Product Search
// API. Auth is an API key passed as a query parameter, searches are GETs with
// a term expression.
type Element14Adapter struct {
	apiKey     string
	baseURL    string
	store      string
	ratePerMin int
	httpClient *http.Client
}

func NewElement14Adapter(cfg config.SupplierCredentials) *Element14Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = element14DefaultBaseURL
	}
	return &Element14Adapter{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      element14DefaultStore,
		ratePerMin: cfg.RatePerMin,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Element14Adapter) Name() string       { return "element14" }
func (e *Element14Adapter) Priority() int      { return 30 }
func (e *Element14Adapter) RatePerMinute() int { return e.ratePerMin }

type element14Response struct {
	Return element14SearchReturn `json:"manufacturerPartNumberSearchReturn"`
}

type element14SearchReturn struct {
	NumberOfResults int                `json:"numberOfResults"`
	Products        []element14Product `json:"products"`
}

type element14Product struct {
	SKU             string `json:"sku"`
	DisplayName     string `json:"displayName"`
	BrandName       string `json:"brandName"`
	TranslatedMPN   string `json:"translatedManufacturerPartNumber"`
	ProductStatus   string `json:"productStatus"`
	RoHSStatusCode  string `json:"rohsStatusCode"`
	ReachStatusCode string `json:"reachStatusCode"`
	Inventory       int    `json:"inv"`
	Datasheets      []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"datasheets"`
	Image struct {
		BaseName string `json:"baseName"`
	} `json:"image"`
	Prices []struct {
		From int     `json:"from"`
		To   int     `json:"to"`
		Cost float64 `json:"cost"`
	} `json:"prices"`
	Attributes []struct {
		Label string `json:"attributeLabel"`
		Value string `json:"attributeValue"`
		Unit  string `json:"attributeUnit"`
	} `json:"attributes"`
	Stock struct {
		Level int `json:"level"`
	} `json:"stock"`
}

// Search implements Adapter.
func (e *Element14Adapter) Search(ctx context.Context, mpn, manufacturer string) (*Result, error) {
	q := url.Values{}
	q.Set("term", "manuPartNum:"+mpn)
	q.Set("storeInfo.id", e.store)
	q.Set("resultsSettings.offset", "0")
	q.Set("resultsSettings.numberOfResults", "5")
	q.Set("resultsSettings.responseGroup", "large")
	q.Set("callInfo.responseDataFormat", "json")
	q.Set("callInfo.apiKey", e.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.element14.search", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.element14.search", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.element14.search", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.FromHTTPStatus(resp.StatusCode), "suppliers.element14.search",
			"element14 returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed element14Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.element14.search", err)
	}

	candidates := make([]*Result, 0, len(parsed.Return.Products))
	for i := range parsed.Return.Products {
		candidates = append(candidates, e.toResult(&parsed.Return.Products[i], mpn, manufacturer, raw))
	}
	best := bestMatch(candidates)
	if best == nil {
		return &Result{Supplier: e.Name(), MPN: mpn, Manufacturer: manufacturer, RawPayload: raw}, nil
	}
	return best, nil
}

func (e *Element14Adapter) toResult(p *element14Product, mpn, manufacturer string, raw []byte) *Result {
	stock := p.Stock.Level
	if stock == 0 {
		stock = p.Inventory
	}
	r := &Result{
		Supplier:        e.Name(),
		MPN:             p.TranslatedMPN,
		Manufacturer:    p.BrandName,
		Description:     p.DisplayName,
		Availability:    stock,
		LifecycleStatus: normalizeLifecycle(strings.ReplaceAll(p.ProductStatus, "_", " ")),
		Parameters:      make(map[string]string, len(p.Attributes)),
		MatchConfidence: matchConfidence(mpn, manufacturer, p.TranslatedMPN, p.BrandName),
		RawPayload:      raw,
	}

	for _, ds := range p.Datasheets {
		if ds.URL != "" {
			r.DatasheetURL = ds.URL
			break
		}
	}
	if p.Image.BaseName != "" {
		r.ImageURL = fmt.Sprintf("https://%s/productimages/standard/en_GB/%s", e.store, p.Image.BaseName)
	}

	for _, attr := range p.Attributes {
		if attr.Label == "" {
			continue
		}
		value := attr.Value
		if attr.Unit != "" {
			value += " " + attr.Unit
		}
		r.Parameters[attr.Label] = value
	}

	for _, pb := range p.Prices {
		r.PriceBreaks = append(r.PriceBreaks, PriceBreak{
			Quantity: pb.From,
			Price:    pb.Cost,
			Currency: "GBP",
		})
		if r.UnitPrice == 0 && pb.Cost > 0 {
			r.UnitPrice = pb.Cost
			r.Currency = "GBP"
		}
	}

	if s := p.RoHSStatusCode; s != "" {
		compliant := strings.EqualFold(s, "YES") || strings.EqualFold(s, "COMPLIANT")
		r.RoHSCompliant = &compliant
	}
	if s := p.ReachStatusCode; s != "" {
		compliant := !strings.EqualFold(s, "AFFECTED")
		r.ReachCompliant = &compliant
	}
	return r
}

// HealthCheck implements Adapter with a 1-part throwaway search.
func (e *Element14Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := e.Search(ctx, "NE555P", "")
	return err
}
