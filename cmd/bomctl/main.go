// Command bomctl is the operator CLI for the enrichment platform: list BOMs,
// watch progress, pause/resume/cancel workflows, enrich single components and
// promote staged snapshots, all through the admin API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		baseURL: envOr("PARTSTREAM_API_URL", "http://localhost:8080"),
		apiKey:  os.Getenv("PARTSTREAM_API_KEY"),
		orgID:   os.Getenv("PARTSTREAM_ORG_ID"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	switch os.Args[1] {
	case "boms":
		cmdBOMs(c)
	case "progress":
		cmdProgress(c)
	case "pause", "resume", "cancel":
		cmdSignal(c, os.Args[1])
	case "enrich":
		cmdEnrich(c)
	case "snapshots":
		cmdSnapshots(c)
	case "promote":
		cmdPromote(c)
	case "suppliers":
		cmdSuppliers(c)
	case "settings":
		cmdSettings(c)
	case "version":
		fmt.Printf("bomctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`PartStream BOM CLI v` + version + `

Usage: bomctl <command> [args]

Commands:
  boms                      List BOMs for the organization
  progress <bom-id>         Show enrichment progress for a BOM
  pause    <bom-id> <reason>   Pause the BOM's enrichment workflow
  resume   <bom-id> <reason>   Resume a paused workflow
  cancel   <bom-id> <reason>   Cancel the workflow
  enrich   <mpn> [manufacturer] [--force]   Enrich one component
  snapshots                 List staged Redis snapshots
  promote  <mpn> <manufacturer> <reason>    Promote a staged snapshot
  suppliers                 Show adapter, breaker and quota status
  settings                  Show resolved runtime settings
  version                   Print version

Environment:
  PARTSTREAM_API_URL   API base URL (default http://localhost:8080)
  PARTSTREAM_API_KEY   Service API key (ps_...)
  PARTSTREAM_ORG_ID    Organization ID for X-Org-ID fallback auth`)
}

type client struct {
	baseURL string
	apiKey  string
	orgID   string
	http    *http.Client
}

func (c *client) do(method, path string, body interface{}) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else if c.orgID != "" {
		req.Header.Set("X-Org-ID", c.orgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return out, resp.StatusCode, err
}

// get prints the JSON response of a GET, pretty-printed.
func (c *client) get(path string) {
	out, status, err := c.do(http.MethodGet, path, nil)
	render(out, status, err)
}

func (c *client) post(path string, body interface{}) {
	out, status, err := c.do(http.MethodPost, path, body)
	render(out, status, err)
}

func render(out []byte, status int, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Println(string(out))
	if status >= 400 {
		os.Exit(1)
	}
}

func cmdBOMs(c *client) {
	c.get("/api/v1/boms")
}

func cmdProgress(c *client) {
	id := requireArg(2, "bom-id")
	c.get("/api/v1/boms/" + id + "/progress")
}

func cmdSignal(c *client, signal string) {
	id := requireArg(2, "bom-id")
	reason := requireArg(3, "reason")
	c.post("/api/v1/boms/"+id+"/signals", map[string]string{
		"signal": signal,
		"reason": reason,
	})
}

func cmdEnrich(c *client) {
	mpn := requireArg(2, "mpn")
	body := map[string]interface{}{"mpn": mpn}
	force := false
	for _, arg := range os.Args[3:] {
		if arg == "--force" {
			force = true
		} else {
			body["manufacturer"] = arg
		}
	}
	body["force"] = force
	c.post("/api/v1/components/enrich", body)
}

func cmdSnapshots(c *client) {
	c.get("/api/v1/snapshots")
}

func cmdPromote(c *client) {
	mpn := requireArg(2, "mpn")
	manufacturer := requireArg(3, "manufacturer")
	reason := requireArg(4, "reason")
	c.post("/api/v1/snapshots/promote", map[string]string{
		"mpn":          mpn,
		"manufacturer": manufacturer,
		"reason":       reason,
	})
}

func cmdSuppliers(c *client) {
	c.get("/api/v1/suppliers")
}

func cmdSettings(c *client) {
	c.get("/api/v1/settings")
}

func requireArg(i int, name string) string {
	if len(os.Args) <= i || os.Args[i] == "" {
		fmt.Fprintf(os.Stderr, "Missing argument: <%s>\n\n", name)
		printUsage()
		os.Exit(1)
	}
	return os.Args[i]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
