package suppliers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/fault"
)

const mouserDefaultBaseURL = "https://api.mouser.com/api/v1"

// MouserAdapter talks to the Mouser Search API. Authentication is an API key
// passed as a query parameter.
type MouserAdapter struct {
	apiKey     string
	baseURL    string
	ratePerMin int
	httpClient *http.Client
}

func NewMouserAdapter(cfg config.SupplierCredentials) *MouserAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mouserDefaultBaseURL
	}
	return &MouserAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		ratePerMin: cfg.RatePerMin,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *MouserAdapter) Name() string       { return "mouser" }
func (m *MouserAdapter) Priority() int      { return 10 }
func (m *MouserAdapter) RatePerMinute() int { return m.ratePerMin }

type mouserSearchRequest struct {
	SearchByPartRequest mouserPartRequest `json:"SearchByPartRequest"`
}

type mouserPartRequest struct {
	MouserPartNumber  string `json:"mouserPartNumber"`
	PartSearchOptions string `json:"partSearchOptions"`
}

type mouserSearchResponse struct {
	Errors []struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Errors"`
	SearchResults struct {
		NumberOfResult int          `json:"NumberOfResult"`
		Parts          []mouserPart `json:"Parts"`
	} `json:"SearchResults"`
}

type mouserPart struct {
	ManufacturerPartNumber string `json:"ManufacturerPartNumber"`
	Manufacturer           string `json:"Manufacturer"`
	Description            string `json:"Description"`
	Category               string `json:"Category"`
	LifecycleStatus        string `json:"LifecycleStatus"`
	DataSheetURL           string `json:"DataSheetUrl"`
	ImagePath              string `json:"ImagePath"`
	Availability           string `json:"Availability"`
	ROHSStatus             string `json:"ROHSStatus"`
	PriceBreaks            []struct {
		Quantity int    `json:"Quantity"`
		Price    string `json:"Price"`
		Currency string `json:"Currency"`
	} `json:"PriceBreaks"`
	ProductAttributes []struct {
		AttributeName  string `json:"AttributeName"`
		AttributeValue string `json:"AttributeValue"`
	} `json:"ProductAttributes"`
}

// Search implements Adapter.
func (m *MouserAdapter) Search(ctx context.Context, mpn, manufacturer string) (*Result, error) {
	body, err := json.Marshal(mouserSearchRequest{
		SearchByPartRequest: mouserPartRequest{MouserPartNumber: mpn},
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.mouser.search", err)
	}

	url := fmt.Sprintf("%s/search/partnumber?apiKey=%s", m.baseURL, m.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.mouser.search", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.mouser.search", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.mouser.search", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.FromHTTPStatus(resp.StatusCode), "suppliers.mouser.search",
			"mouser returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed mouserSearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.mouser.search", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fault.Newf(fault.KindPermanent, "suppliers.mouser.search",
			"mouser error %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
	}

	candidates := make([]*Result, 0, len(parsed.SearchResults.Parts))
	for i := range parsed.SearchResults.Parts {
		candidates = append(candidates, m.toResult(&parsed.SearchResults.Parts[i], mpn, manufacturer, raw))
	}
	best := bestMatch(candidates)
	if best == nil {
		return &Result{Supplier: m.Name(), MPN: mpn, Manufacturer: manufacturer, RawPayload: raw}, nil
	}
	return best, nil
}

func (m *MouserAdapter) toResult(p *mouserPart, mpn, manufacturer string, raw []byte) *Result {
	r := &Result{
		Supplier:        m.Name(),
		MPN:             p.ManufacturerPartNumber,
		Manufacturer:    p.Manufacturer,
		Category:        p.Category,
		Description:     p.Description,
		LifecycleStatus: normalizeLifecycle(p.LifecycleStatus),
		DatasheetURL:    p.DataSheetURL,
		ImageURL:        p.ImagePath,
		Availability:    parseMouserAvailability(p.Availability),
		Parameters:      make(map[string]string, len(p.ProductAttributes)),
		MatchConfidence: matchConfidence(mpn, manufacturer, p.ManufacturerPartNumber, p.Manufacturer),
		RawPayload:      raw,
	}

	for _, attr := range p.ProductAttributes {
		if attr.AttributeName != "" {
			r.Parameters[attr.AttributeName] = attr.AttributeValue
		}
	}

	for _, pb := range p.PriceBreaks {
		price := parseMouserPrice(pb.Price)
		r.PriceBreaks = append(r.PriceBreaks, PriceBreak{
			Quantity: pb.Quantity,
			Price:    price,
			Currency: pb.Currency,
		})
		if r.UnitPrice == 0 && price > 0 {
			r.UnitPrice = price
			r.Currency = pb.Currency
		}
	}

	if p.ROHSStatus != "" {
		compliant := strings.Contains(strings.ToLower(p.ROHSStatus), "compliant")
		r.RoHSCompliant = &compliant
	}
	return r
}

// HealthCheck implements Adapter with a 1-part throwaway search.
func (m *MouserAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := m.Search(ctx, "NE555P", "")
	return err
}

// parseMouserPrice strips the currency symbol from strings like "$0.23".
func parseMouserPrice(s string) float64 {
	cleaned := strings.TrimFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != ','
	})
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseMouserAvailability extracts the stock count from "2500 In Stock".
func parseMouserAvailability(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(fields[0], ",", ""))
	if err != nil {
		return 0
	}
	return n
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
