package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentrouter/internal/config"
)

type pullSubagent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type pullAgent struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Capabilities []string       `yaml:"capabilities"`
	Subagents    []pullSubagent `yaml:"subagents"`
}

type pullDocument struct {
	Agents []pullAgent `yaml:"agents"`
}

func runPullCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, `Usage: agentrouter pull <url-or-file>

Ingests a catalog YAML into the running daemon.

Examples:
  agentrouter pull https://example.com/catalog.yaml
  agentrouter pull ./catalog.yaml

Catalog YAML format:
  agents:
    - name: campaign
      description: Creates and schedules client campaigns.
      capabilities: [create_campaign]   # optional
      subagents:                        # optional
        - name: wave-scheduler
          description: Schedules a delivery wave.`)
		return 1
	}

	source := args[0]
	body, err := fetchCatalogSource(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	doc, err := parsePullDocument(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token, err := clientAuthToken(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	base := "http://" + strings.TrimSpace(cfg.BindAddr)

	client := &http.Client{Timeout: 15 * time.Second}
	ingested := 0
	for _, a := range doc.Agents {
		if err := postIngest(ctx, client, base, token, "/ingest/agent", map[string]any{
			"name":         a.Name,
			"description":  a.Description,
			"capabilities": a.Capabilities,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: ingest agent %q: %v\n", a.Name, err)
			return 1
		}
		ingested++
		for _, s := range a.Subagents {
			if err := postIngest(ctx, client, base, token, "/ingest/subagent", map[string]any{
				"agent":       a.Name,
				"name":        s.Name,
				"description": s.Description,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: ingest subagent %q under %q: %v\n", s.Name, a.Name, err)
				return 1
			}
			ingested++
		}
	}

	fmt.Printf("Ingested %d catalog entries from %s\n", ingested, source)
	return 0
}

// fetchCatalogSource reads a catalog document from an HTTPS URL or local file.
func fetchCatalogSource(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
			return nil, fmt.Errorf("URL returned HTML, not YAML; if using GitHub, use the raw URL")
		}
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	}
	return os.ReadFile(source)
}

func parsePullDocument(body []byte) (pullDocument, error) {
	var doc pullDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return doc, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(doc.Agents) == 0 {
		return doc, fmt.Errorf("catalog document has no agents")
	}
	for _, a := range doc.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return doc, fmt.Errorf("agent entry missing required 'name' field")
		}
		if strings.TrimSpace(a.Description) == "" {
			return doc, fmt.Errorf("agent %q missing required 'description' field", a.Name)
		}
		for _, s := range a.Subagents {
			if strings.TrimSpace(s.Name) == "" {
				return doc, fmt.Errorf("subagent under %q missing required 'name' field", a.Name)
			}
		}
	}
	return doc, nil
}

func postIngest(ctx context.Context, client *http.Client, base, token, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// clientAuthToken resolves the daemon's bearer token without generating a
// new one; the daemon owns token creation.
func clientAuthToken(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(cfg.AuthToken); raw != "" {
		return raw, nil
	}
	b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token"))
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("no auth token found; start the daemon once or set AGENTROUTER_AUTH_TOKEN")
}
