//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running
// SeenPredyct console.
//
// The console must be started with a reachable identity provider and an
// operator account of role analyst or higher:
//
//	SEENPREDYCT_TEST_URL=http://localhost:8080 \
//	SEENPREDYCT_TEST_EMAIL=analyst@example.org \
//	SEENPREDYCT_TEST_PASSWORD=... \
//	SEENPREDYCT_TEST_TOKEN=<token printed by serve> \
//	go test -tags=integration -v ./tests/integration/...
//
// The model endpoint may be down; every prediction test accepts both
// remote and heuristic results.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	Email    string
	Password string
	Token    string
}

func getTestConfig(t *testing.T) TestConfig {
	t.Helper()
	baseURL := os.Getenv("SEENPREDYCT_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	cfg := TestConfig{
		BaseURL:  baseURL,
		Email:    os.Getenv("SEENPREDYCT_TEST_EMAIL"),
		Password: os.Getenv("SEENPREDYCT_TEST_PASSWORD"),
		Token:    os.Getenv("SEENPREDYCT_TEST_TOKEN"),
	}
	if cfg.Email == "" || cfg.Token == "" {
		t.Skip("SEENPREDYCT_TEST_EMAIL or SEENPREDYCT_TEST_TOKEN not set")
	}
	return cfg
}

// ============================================================================
// API Types (matching the console contract)
// ============================================================================

type Profile struct {
	RegionName       string `json:"Region_Name"`
	Age              int    `json:"Age"`
	Ethnicity        string `json:"Ethnie"`
	Profession       string `json:"Profession"`
	City             string `json:"Ville"`
	InitialCrimeType string `json:"Type_Crime_Initial"`
	PrimaryPlatform  string `json:"Plateforme_Principale"`
}

type PredictionResult struct {
	Probability float64            `json:"recidive_probability"`
	RiskLevel   string             `json:"risk_level"`
	Confidence  float64            `json:"confidence"`
	Factors     map[string]float64 `json:"factors"`
	Metadata    struct {
		Timestamp    time.Time `json:"timestamp"`
		Algorithm    string    `json:"algorithm"`
		ModelVersion string    `json:"model_version"`
	} `json:"metadata"`
}

type PredictionResponse struct {
	ID     string           `json:"id"`
	Result PredictionResult `json:"result"`
	Source string           `json:"source"`
}

type PredictionRecord struct {
	ID     string           `json:"id"`
	UserID string           `json:"userId"`
	Result PredictionResult `json:"result"`
	Source string           `json:"source"`
}

func validProfile() Profile {
	return Profile{
		RegionName:       "Dakar",
		Age:              24,
		Ethnicity:        "Wolof",
		Profession:       "Chômeur",
		City:             "Pikine",
		InitialCrimeType: "Trafic",
		PrimaryPlatform:  "TikTok",
	}
}

// ============================================================================
// Test Helper Functions
// ============================================================================

var loginOnce sync.Once

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+config.Token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func login(t *testing.T, config TestConfig) {
	t.Helper()
	loginOnce.Do(func() {
		status, body := call(t, config, http.MethodPost, "/auth/login", map[string]string{
			"email":    config.Email,
			"password": config.Password,
		})
		if status != http.StatusOK {
			t.Fatalf("Login failed with %d: %s", status, string(body))
		}
	})
}

func predict(t *testing.T, config TestConfig, p Profile) PredictionResponse {
	t.Helper()
	login(t, config)

	status, body := call(t, config, http.MethodPost, "/predictions", p)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result PredictionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func checkResult(t *testing.T, r PredictionResult) {
	t.Helper()
	if r.Probability < 0 || r.Probability > 1 {
		t.Errorf("Probability out of range: %.4f", r.Probability)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		t.Errorf("Confidence out of range: %.4f", r.Confidence)
	}
	want := "critical"
	switch {
	case r.Probability < 0.25:
		want = "low"
	case r.Probability < 0.5:
		want = "medium"
	case r.Probability < 0.75:
		want = "high"
	}
	if r.RiskLevel != want {
		t.Errorf("Risk level %s does not match probability %.4f (want %s)", r.RiskLevel, r.Probability, want)
	}
	if r.Metadata.Algorithm == "" {
		t.Error("Missing metadata.algorithm")
	}
	if r.Metadata.Timestamp.IsZero() {
		t.Error("Missing metadata.timestamp")
	}
}

// ============================================================================
// SCENARIO 1: Health and reference data
// ============================================================================

func TestHealth(t *testing.T) {
	config := getTestConfig(t)

	status, body := call(t, config, http.MethodGet, "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, string(body))
	}

	var health struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Failed to unmarshal health: %v", err)
	}
	if health.Status != "healthy" && health.Status != "degraded" {
		t.Errorf("Unexpected status %q", health.Status)
	}
	t.Logf("Health: %s %v", health.Status, health.Components)
}

func TestOptions(t *testing.T) {
	config := getTestConfig(t)
	login(t, config)

	status, body := call(t, config, http.MethodGet, "/predictions/options", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, string(body))
	}

	var resp struct {
		Options  map[string][]string `json:"options"`
		DemoMode bool                `json:"demoMode"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to unmarshal options: %v", err)
	}
	for _, field := range []string{"Region_Name", "Ethnie", "Profession", "Ville", "Type_Crime_Initial", "Plateforme_Principale"} {
		if len(resp.Options[field]) == 0 {
			t.Errorf("No options for %s", field)
		}
	}
}

// ============================================================================
// SCENARIO 2: Single prediction always yields a result
// ============================================================================

func TestPredict(t *testing.T) {
	config := getTestConfig(t)

	result := predict(t, config, validProfile())
	if result.ID == "" {
		t.Error("Missing prediction id")
	}
	if result.Source != "remote" && result.Source != "heuristic" {
		t.Errorf("Unexpected source %q", result.Source)
	}
	checkResult(t, result.Result)

	t.Logf("Prediction %s: p=%.3f risk=%s source=%s", result.ID, result.Result.Probability, result.Result.RiskLevel, result.Source)
}

// ============================================================================
// SCENARIO 3: Invalid profiles are rejected before scoring
// ============================================================================

func TestPredict_InvalidProfile(t *testing.T) {
	config := getTestConfig(t)
	login(t, config)

	p := validProfile()
	p.Age = 5
	p.RegionName = ""

	status, body := call(t, config, http.MethodPost, "/predictions", p)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", status, string(body))
	}

	var resp struct {
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to unmarshal error: %v", err)
	}
	if len(resp.Details) < 2 {
		t.Errorf("Expected at least 2 validation errors, got %v", resp.Details)
	}
}

// ============================================================================
// SCENARIO 4: Batch preserves order and length
// ============================================================================

func TestBatchPredict(t *testing.T) {
	config := getTestConfig(t)
	login(t, config)

	profiles := make([]Profile, 5)
	for i := range profiles {
		profiles[i] = validProfile()
		profiles[i].Age = 20 + i*10
	}

	status, body := call(t, config, http.MethodPost, "/predictions/batch", map[string]any{"profiles": profiles})
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, string(body))
	}

	var resp struct {
		Results []PredictionResponse `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to unmarshal batch: %v", err)
	}
	if len(resp.Results) != len(profiles) {
		t.Fatalf("Expected %d results, got %d", len(profiles), len(resp.Results))
	}
	for i, r := range resp.Results {
		t.Run(fmt.Sprintf("Item%d", i), func(t *testing.T) {
			checkResult(t, r.Result)
		})
	}
}

// ============================================================================
// SCENARIO 5: Predictions are recorded in history
// ============================================================================

func TestPredictionRecorded(t *testing.T) {
	config := getTestConfig(t)

	result := predict(t, config, validProfile())

	// The recorder writes asynchronously.
	var record PredictionRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, body := call(t, config, http.MethodGet, "/predictions/"+result.ID, nil)
		if status == http.StatusOK {
			if err := json.Unmarshal(body, &record); err != nil {
				t.Fatalf("Failed to unmarshal record: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Prediction %s not recorded: last status %d", result.ID, status)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if record.ID != result.ID {
		t.Errorf("Expected id %s, got %s", result.ID, record.ID)
	}
	if record.UserID == "" {
		t.Error("Missing userId on record")
	}
	if record.Result.Probability != result.Result.Probability {
		t.Errorf("Recorded probability %.4f differs from response %.4f", record.Result.Probability, result.Result.Probability)
	}
}
