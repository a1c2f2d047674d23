package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModelReport surfaces the health of the configured model endpoint.
type ModelReport struct {
	Endpoint      string   `json:"endpoint"`
	Healthy       bool     `json:"healthy"`
	Models        []string `json:"models,omitempty"`
	SelectedModel string   `json:"selected_model"`
	Available     bool     `json:"available"`
	Error         string   `json:"error,omitempty"`
}

// ProbeModel queries the Ollama tags endpoint to confirm health and that the
// configured model is pulled.
func ProbeModel(ctx context.Context, cfg ModelConfig, client *http.Client) ModelReport {
	report := ModelReport{Endpoint: cfg.Endpoint, SelectedModel: cfg.Name}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(cfg.Endpoint, "/")+"/api/tags", nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	resp, err := client.Do(req)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		report.Error = fmt.Sprintf("model endpoint responded with %s", resp.Status)
		return report
	}
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		report.Error = err.Error()
		return report
	}
	for _, model := range payload.Models {
		report.Models = append(report.Models, model.Name)
		if model.Name == cfg.Name || strings.TrimSuffix(model.Name, ":latest") == cfg.Name {
			report.Available = true
		}
	}
	report.Healthy = true
	return report
}
