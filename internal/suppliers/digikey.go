package suppliers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/fault"
)

const digikeyDefaultBaseURL = "https://api.digikey.com"

// DigiKeyAdapter talks to the DigiKey Product Information v4 API. Auth is
// OAuth2 client-credentials; tokens are cached until shortly before expiry.
type DigiKeyAdapter struct {
	clientID     string
	clientSecret string
	baseURL      string
	ratePerMin   int
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewDigiKeyAdapter(cfg config.SupplierCredentials) *DigiKeyAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = digikeyDefaultBaseURL
	}
	return &DigiKeyAdapter{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		baseURL:      strings.TrimRight(baseURL, "/"),
		ratePerMin:   cfg.RatePerMin,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *DigiKeyAdapter) Name() string       { return "digikey" }
func (d *DigiKeyAdapter) Priority() int      { return 20 }
func (d *DigiKeyAdapter) RatePerMinute() int { return d.ratePerMin }

type digikeyTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type digikeySearchRequest struct {
	Keywords string `json:"Keywords"`
	Limit    int    `json:"Limit"`
	Offset   int    `json:"Offset"`
}

type digikeySearchResponse struct {
	Products      []digikeyProduct `json:"Products"`
	ProductsCount int              `json:"ProductsCount"`
}

type digikeyProduct struct {
	ManufacturerProductNumber string `json:"ManufacturerProductNumber"`
	Manufacturer              struct {
		Name string `json:"Name"`
	} `json:"Manufacturer"`
	Description struct {
		ProductDescription  string `json:"ProductDescription"`
		DetailedDescription string `json:"DetailedDescription"`
	} `json:"Description"`
	Category struct {
		Name string `json:"Name"`
	} `json:"Category"`
	ProductStatus struct {
		Status string `json:"Status"`
	} `json:"ProductStatus"`
	UnitPrice         float64 `json:"UnitPrice"`
	QuantityAvailable int     `json:"QuantityAvailable"`
	DatasheetURL      string  `json:"DatasheetUrl"`
	PhotoURL          string  `json:"PhotoUrl"`
	Parameters        []struct {
		ParameterText string `json:"ParameterText"`
		ValueText     string `json:"ValueText"`
	} `json:"Parameters"`
	ProductVariations []struct {
		StandardPricing []struct {
			BreakQuantity int     `json:"BreakQuantity"`
			UnitPrice     float64 `json:"UnitPrice"`
		} `json:"StandardPricing"`
	} `json:"ProductVariations"`
	Classifications struct {
		RohsStatus  string `json:"RohsStatus"`
		ReachStatus string `json:"ReachStatus"`
	} `json:"Classifications"`
}

// token returns a cached access token, fetching a fresh one when the cache is
// empty or within a minute of expiry.
func (d *DigiKeyAdapter) token(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accessToken != "" && time.Until(d.tokenExpiry) > time.Minute {
		return d.accessToken, nil
	}

	form := url.Values{
		"client_id":     {d.clientID},
		"client_secret": {d.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fault.Wrap(fault.KindPermanent, "suppliers.digikey.token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, "suppliers.digikey.token", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, "suppliers.digikey.token", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fault.Newf(fault.FromHTTPStatus(resp.StatusCode), "suppliers.digikey.token",
			"token endpoint returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed digikeyTokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "suppliers.digikey.token", err)
	}
	if parsed.AccessToken == "" {
		return "", fault.New(fault.KindPermanent, "suppliers.digikey.token", "empty access token")
	}

	d.accessToken = parsed.AccessToken
	d.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return d.accessToken, nil
}

// Search implements Adapter.
func (d *DigiKeyAdapter) Search(ctx context.Context, mpn, manufacturer string) (*Result, error) {
	tok, err := d.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(digikeySearchRequest{Keywords: mpn, Limit: 5})
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.digikey.search", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/products/v4/search/keyword", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.digikey.search", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-DIGIKEY-Client-Id", d.clientID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.digikey.search", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "suppliers.digikey.search", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked server-side; drop the cache so the
		// next attempt re-authenticates.
		d.mu.Lock()
		d.accessToken = ""
		d.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.FromHTTPStatus(resp.StatusCode), "suppliers.digikey.search",
			"digikey returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed digikeySearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "suppliers.digikey.search", err)
	}

	candidates := make([]*Result, 0, len(parsed.Products))
	for i := range parsed.Products {
		candidates = append(candidates, d.toResult(&parsed.Products[i], mpn, manufacturer, raw))
	}
	best := bestMatch(candidates)
	if best == nil {
		return &Result{Supplier: d.Name(), MPN: mpn, Manufacturer: manufacturer, RawPayload: raw}, nil
	}
	return best, nil
}

func (d *DigiKeyAdapter) toResult(p *digikeyProduct, mpn, manufacturer string, raw []byte) *Result {
	desc := p.Description.ProductDescription
	if desc == "" {
		desc = p.Description.DetailedDescription
	}
	r := &Result{
		Supplier:        d.Name(),
		MPN:             p.ManufacturerProductNumber,
		Manufacturer:    p.Manufacturer.Name,
		Category:        p.Category.Name,
		Description:     desc,
		UnitPrice:       p.UnitPrice,
		Currency:        "USD",
		Availability:    p.QuantityAvailable,
		LifecycleStatus: normalizeLifecycle(p.ProductStatus.Status),
		DatasheetURL:    p.DatasheetURL,
		ImageURL:        p.PhotoURL,
		Parameters:      make(map[string]string, len(p.Parameters)),
		MatchConfidence: matchConfidence(mpn, manufacturer, p.ManufacturerProductNumber, p.Manufacturer.Name),
		RawPayload:      raw,
	}

	for _, param := range p.Parameters {
		if param.ParameterText != "" {
			r.Parameters[param.ParameterText] = param.ValueText
		}
	}

	if len(p.ProductVariations) > 0 {
		for _, sp := range p.ProductVariations[0].StandardPricing {
			r.PriceBreaks = append(r.PriceBreaks, PriceBreak{
				Quantity: sp.BreakQuantity,
				Price:    sp.UnitPrice,
				Currency: "USD",
			})
		}
	}

	if s := p.Classifications.RohsStatus; s != "" {
		compliant := strings.Contains(strings.ToLower(s), "compliant")
		r.RoHSCompliant = &compliant
	}
	if s := p.Classifications.ReachStatus; s != "" {
		l := strings.ToLower(s)
		compliant := strings.Contains(l, "compliant") || strings.Contains(l, "unaffected")
		r.ReachCompliant = &compliant
	}
	return r
}

// HealthCheck implements Adapter by exercising the token endpoint only, so a
// probe does not burn search quota.
func (d *DigiKeyAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := d.token(ctx)
	if err != nil {
		return fmt.Errorf("digikey health check: %w", err)
	}
	return nil
}
