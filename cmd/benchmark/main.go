// Benchmark tool for scoring SeenPredyct against labelled profiles.
//
// Usage:
//
//	go run ./cmd/benchmark --csv /path/to/profiles.csv --url http://localhost:8080 --email ops@example.org
//	go run ./cmd/benchmark --csv /path/to/profiles.csv --model http://localhost:8000
//
// This tool:
//  1. Reads profiles with a Recidive 0/1 label
//  2. Scores each one through a running console or in-process
//  3. Compares probability >= cutoff with the label
//  4. Prints precision, recall, F1-score and a confusion matrix
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/criminalytix/seenpredyct/internal/api"
	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/prediction"
)

// LabelColumn holds the ground truth in the input CSV.
const LabelColumn = "Recidive"

// Sample is one labelled profile.
type Sample struct {
	Row       int
	Profile   domain.Profile
	Recidived bool
}

// Scorer returns a prediction for one profile.
type Scorer func(ctx context.Context, p domain.Profile) (domain.PredictionResult, error)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // reoffender scored at or above the cutoff
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // reoffender scored below the cutoff

	TotalProcessed int64
	TotalPositive  int64
	TotalNegative  int64
	TotalErrors    int64
	TotalFallback  int64

	ProcessingTimeMs int64
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("benchmark", pflag.ContinueOnError)
	csvPath := flags.String("csv", "", "path to a labelled profile CSV")
	baseURL := flags.String("url", "", "console base URL; scores via POST /predictions")
	modelURL := flags.String("model", "http://localhost:8000", "model URL for in-process scoring when --url is empty")
	token := flags.String("token", os.Getenv("SEENPREDYCT_CONSOLE_TOKEN"), "console bearer token printed by seenpredyct serve")
	email := flags.String("email", "", "operator email for the console")
	password := flags.String("password", os.Getenv("SEENPREDYCT_PASSWORD"), "operator password for the console")
	limit := flags.Int("limit", 10000, "maximum profiles to score (0 = all)")
	workers := flags.Int("workers", 10, "number of concurrent workers")
	cutoff := flags.Float64("cutoff", 0.5, "probability at or above which a profile counts as a predicted reoffender")
	verbose := flags.BoolP("verbose", "v", false, "print each result")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: benchmark --csv /path/to/profiles.csv [--url http://localhost:8080 | --model http://localhost:8000]")
		fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flags.FlagUsages())
		return errors.New("--csv is required")
	}
	if *cutoff <= 0 || *cutoff > 1 {
		return fmt.Errorf("--cutoff must be in (0, 1], got %v", *cutoff)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	ctx := context.Background()

	fmt.Println("SEENPREDYCT BENCHMARK - labelled profiles")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	if *baseURL != "" {
		fmt.Printf("Console:     %s\n", *baseURL)
	} else {
		fmt.Printf("Model:       %s (in-process)\n", *modelURL)
	}
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Cutoff:      %.2f\n", *cutoff)
	fmt.Println()

	var score Scorer
	if *baseURL != "" {
		s, err := consoleScorer(ctx, *baseURL, *token, *email, *password)
		if err != nil {
			return err
		}
		score = s
	} else {
		score = inProcessScorer(ctx, *modelURL)
	}

	fmt.Printf("Reading profiles from %s...\n", *csvPath)
	f, err := os.Open(*csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	samples, skipped, err := ReadSamples(f, *limit)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(samples) == 0 {
		return errors.New("no usable rows in CSV")
	}
	fmt.Printf("Loaded %d profiles (%d rows skipped)\n", len(samples), skipped)

	positives := 0
	for _, s := range samples {
		if s.Recidived {
			positives++
		}
	}
	fmt.Printf("  - Recidived:     %d (%.2f%%)\n", positives, 100*float64(positives)/float64(len(samples)))
	fmt.Printf("  - Not recidived: %d (%.2f%%)\n", len(samples)-positives, 100*float64(len(samples)-positives)/float64(len(samples)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := Run(ctx, samples, score, *workers, *cutoff, *verbose)
	printResults(metrics, time.Since(startTime))
	return nil
}

// consoleScorer signs in to a running console and scores via POST /predictions.
func consoleScorer(ctx context.Context, baseURL, token, email, password string) (Scorer, error) {
	client := apiclient.New(apiclient.Config{BaseURL: baseURL, MaxAttempts: 1})
	client.SetAuthToken(token)

	var health map[string]any
	if err := client.Get(ctx, "/health", &health); err != nil {
		return nil, fmt.Errorf("console not reachable at %s: %w", baseURL, err)
	}
	fmt.Println("Console is healthy")

	if email != "" {
		if err := client.Post(ctx, "/auth/login", map[string]string{"email": email, "password": password}, nil); err != nil {
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
		fmt.Printf("Signed in as %s\n", email)
	}

	return func(ctx context.Context, p domain.Profile) (domain.PredictionResult, error) {
		for {
			var resp api.PredictionResponse
			err := client.Post(ctx, "/predictions", p, &resp)
			if apiclient.StatusOf(err) == http.StatusTooManyRequests {
				// The console rate limits per operator; wait out the window.
				select {
				case <-ctx.Done():
					return domain.PredictionResult{}, ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			return resp.Result, err
		}
	}, nil
}

func inProcessScorer(ctx context.Context, modelURL string) Scorer {
	svc := prediction.NewService(apiclient.New(apiclient.Config{BaseURL: modelURL}), prediction.Config{})
	svc.Initialize(ctx)
	if svc.DemoMode() {
		fmt.Println("Model unreachable; scoring with the heuristic")
	} else {
		fmt.Println("Model is ready")
	}
	return func(ctx context.Context, p domain.Profile) (domain.PredictionResult, error) {
		return svc.Predict(ctx, p), nil
	}
}

// ReadSamples reads labelled profiles. Column names match the profile
// field names; rows with a missing or malformed label or age are skipped.
func ReadSamples(r io.Reader, limit int) ([]Sample, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	required := append([]string{LabelColumn}, domain.ProfileFields...)
	for _, col := range required {
		if _, ok := colIndex[strings.ToLower(col)]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", col)
		}
	}
	get := func(record []string, col string) string {
		i := colIndex[strings.ToLower(col)]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var samples []Sample
	skipped := 0
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			skipped++
			continue
		}

		var recidived bool
		switch get(record, LabelColumn) {
		case "1", "true", "True":
			recidived = true
		case "0", "false", "False":
		default:
			skipped++
			continue
		}
		age, err := strconv.Atoi(get(record, domain.FieldAge))
		if err != nil {
			skipped++
			continue
		}

		samples = append(samples, Sample{
			Row: row,
			Profile: domain.Profile{
				RegionName:       get(record, domain.FieldRegion),
				Age:              age,
				Ethnicity:        get(record, domain.FieldEthnicity),
				Profession:       get(record, domain.FieldProfession),
				City:             get(record, domain.FieldCity),
				InitialCrimeType: get(record, domain.FieldCrimeType),
				PrimaryPlatform:  get(record, domain.FieldPlatform),
			},
			Recidived: recidived,
		})
		if limit > 0 && len(samples) >= limit {
			break
		}
	}
	return samples, skipped, nil
}

// Run scores every sample and fills the confusion matrix.
func Run(ctx context.Context, samples []Sample, score Scorer, numWorkers int, cutoff float64, verbose bool) *Metrics {
	metrics := &Metrics{}
	if numWorkers < 1 {
		numWorkers = 1
	}

	work := make(chan Sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range work {
				start := time.Now()
				result, err := score(ctx, s.Profile)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: row %d -> %v\n", s.Row, err)
					}
					continue
				}
				metrics.record(s, result, cutoff)

				if verbose {
					predicted := result.Probability >= cutoff
					status := "ok "
					if predicted != s.Recidived {
						status = "ERR"
					}
					fmt.Printf("%s row %-6d | %-12s | age %3d | label %-5v | p=%.3f %-8s | %s\n",
						status, s.Row, s.Profile.RegionName, s.Profile.Age, s.Recidived,
						result.Probability, result.RiskLevel, result.Metadata.Algorithm)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)
	wg.Wait()

	return metrics
}

func (m *Metrics) record(s Sample, result domain.PredictionResult, cutoff float64) {
	if s.Recidived {
		atomic.AddInt64(&m.TotalPositive, 1)
	} else {
		atomic.AddInt64(&m.TotalNegative, 1)
	}
	if prediction.SourceOf(result) != domain.SourceRemote {
		atomic.AddInt64(&m.TotalFallback, 1)
	}

	predicted := result.Probability >= cutoff
	switch {
	case predicted && s.Recidived:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !s.Recidived:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !s.Recidived:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP).
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN).
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of scored profiles classified correctly.
func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Recidived:        %d\n", m.TotalPositive)
	fmt.Printf("   Not Recidived:    %d\n", m.TotalNegative)
	fmt.Printf("   Heuristic Scores: %d\n", m.TotalFallback)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    RISK        LOW")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  R  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NR  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged profiles, how many reoffended)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of reoffenders, how many were flagged)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f profiles/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	if m.TotalFallback > 0 {
		fmt.Printf("\n   %d profiles were scored by the heuristic; metrics do not reflect the model.\n", m.TotalFallback)
	}
	fmt.Println()
}
