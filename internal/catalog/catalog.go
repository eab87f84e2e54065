package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/sizeutil"
)

// ModelInfo is an immutable catalog entry. Size is the human-readable form
// published by the catalog ("2.39 GB").
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size string `json:"size"`
}

// Bundled is the static fallback catalog used whenever the remote catalog is
// unreachable or malformed.
var Bundled = []ModelInfo{
	{ID: "gemma-2-2b-it-q4", Name: "Gemma 2 2B Instruct", Size: "1.59 GB"},
	{ID: "llama-3.2-1b-instruct-q4", Name: "Llama 3.2 1B Instruct", Size: "0.77 GB"},
	{ID: "llama-3.2-3b-instruct-q4", Name: "Llama 3.2 3B Instruct", Size: "2.02 GB"},
	{ID: "qwen2.5-1.5b-instruct-q4", Name: "Qwen 2.5 1.5B Instruct", Size: "1.04 GB"},
	{ID: "phi-3.5-mini-instruct-q4", Name: "Phi 3.5 Mini Instruct", Size: "2.39 GB"},
}

type Config struct {
	URL        string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		url:        cfg.URL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Fetch retrieves and strictly decodes the remote catalog. Any transport
// error, non-2xx status or shape mismatch is an error; Fetch never returns a
// partially decoded list.
func (c *Client) Fetch(ctx context.Context) ([]ModelInfo, error) {
	if strings.TrimSpace(c.url) == "" {
		return nil, fmt.Errorf("catalog url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("catalog status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}
	return decode(body)
}

// Load fetches the remote catalog and falls back to the bundled list on any
// failure. It never returns an empty list.
func (c *Client) Load(ctx context.Context) []ModelInfo {
	models, err := c.Fetch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("falling back to bundled model catalog")
		return append([]ModelInfo(nil), Bundled...)
	}
	return models
}

func decode(body []byte) ([]ModelInfo, error) {
	var resp struct {
		Data struct {
			Models []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Size string `json:"size"`
			} `json:"models"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	if len(resp.Data.Models) == 0 {
		return nil, fmt.Errorf("catalog response has no models")
	}

	models := make([]ModelInfo, 0, len(resp.Data.Models))
	for _, m := range resp.Data.Models {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("catalog entry missing id or name")
		}
		models = append(models, ModelInfo{ID: m.ID, Name: m.Name, Size: m.Size})
	}
	return models, nil
}

// SortBySize orders models smallest first; entries with unparseable sizes
// sort first.
func SortBySize(models []ModelInfo) {
	sort.SliceStable(models, func(i, j int) bool {
		return sizeutil.ParseSize(models[i].Size) < sizeutil.ParseSize(models[j].Size)
	})
}

// TotalSize reports the summed size of the given models, formatted.
func TotalSize(models []ModelInfo) string {
	sizes := make([]string, len(models))
	for i, m := range models {
		sizes[i] = m.Size
	}
	return sizeutil.FormatBytes(sizeutil.TotalBytes(sizes))
}
