// Benchmark tool for replaying labeled approval decisions against Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/decisions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads historical account snapshots with known good/bad outcomes
//   2. Sends each snapshot to Kestrel for an approval decision
//   3. Compares Kestrel's verdict (approve/reject) with the recorded label
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// The CSV carries one row per historical decision:
//   user_id,account_id,age_days,balance,valid_credentials,micro_deposit,
//   is_dave_banking,main_paycheck_id,should_approve
// where should_approve is 1 when the advance was repaid on time.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DecisionRow is one labeled historical snapshot.
type DecisionRow struct {
	UserID           string
	AccountID        string
	AgeDays          int
	Balance          float64
	ValidCredentials bool
	MicroDeposit     string
	IsDaveBanking    bool
	MainPaycheckID   string
	ShouldApprove    bool
}

// ApprovalRequest is the Kestrel API request format.
type ApprovalRequest struct {
	UserID         string            `json:"userId"`
	BankAccounts   []AccountSnapshot `json:"bankAccounts"`
	Trigger        string            `json:"trigger"`
	MLUseCacheOnly bool              `json:"mlUseCacheOnly"`
}

type AccountSnapshot struct {
	ID               string  `json:"id"`
	AgeDays          int     `json:"ageDays"`
	Balance          float64 `json:"balance"`
	IsDaveBanking    bool    `json:"isDaveBanking"`
	ValidCredentials bool    `json:"validCredentials"`
	MicroDeposit     string  `json:"microDeposit"`
	MainPaycheckID   string  `json:"mainPaycheckId,omitempty"`
}

// ApprovalResponse is the Kestrel API response format.
type ApprovalResponse struct {
	UserID    string `json:"userId"`
	Approvals []struct {
		Approved        bool  `json:"approved"`
		ApprovedAmounts []int `json:"approvedAmounts"`
	} `json:"approvals"`
}

// Approved reports whether any candidate cleared an amount.
func (r *ApprovalResponse) Approved() bool {
	for _, a := range r.Approvals {
		if a.Approved {
			return true
		}
	}
	return false
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Good borrower approved
	FalsePositives int64 // Bad borrower approved (loss!)
	TrueNegatives  int64 // Bad borrower rejected
	FalseNegatives int64 // Good borrower rejected (lost revenue)

	TotalProcessed int64
	TotalGood      int64
	TotalBad       int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled decisions CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	badOnly := flag.Bool("bad-only", false, "Only replay bad-outcome rows")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for good-outcome rows (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each decision result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/decisions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Approval Decision Replay         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Bad Only:    %v\n", *badOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled decisions
	fmt.Printf("\nReading labeled decisions from %s...\n", *csvPath)
	rows, err := readDecisionCSV(*csvPath, *limit, *badOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d decisions\n", len(rows))

	// Count good vs bad outcomes
	goodCount := 0
	for _, row := range rows {
		if row.ShouldApprove {
			goodCount++
		}
	}
	fmt.Printf("  - Good outcomes: %d (%.2f%%)\n", goodCount, 100*float64(goodCount)/float64(len(rows)))
	fmt.Printf("  - Bad outcomes:  %d (%.2f%%)\n", len(rows)-goodCount, 100*float64(len(rows)-goodCount)/float64(len(rows)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readDecisionCSV(path string, limit int, badOnly bool, sampleRate float64) ([]DecisionRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[col] = i
	}

	var rows []DecisionRow
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		shouldApprove := record[colIndex["should_approve"]] == "1"

		// Apply filters
		if badOnly && shouldApprove {
			continue
		}

		// Sample good-outcome rows
		if shouldApprove && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		ageDays, _ := strconv.Atoi(record[colIndex["age_days"]])
		balance, _ := strconv.ParseFloat(record[colIndex["balance"]], 64)

		row := DecisionRow{
			UserID:           record[colIndex["user_id"]],
			AccountID:        record[colIndex["account_id"]],
			AgeDays:          ageDays,
			Balance:          balance,
			ValidCredentials: record[colIndex["valid_credentials"]] == "1",
			MicroDeposit:     record[colIndex["micro_deposit"]],
			IsDaveBanking:    record[colIndex["is_dave_banking"]] == "1",
			MainPaycheckID:   record[colIndex["main_paycheck_id"]],
			ShouldApprove:    shouldApprove,
		}

		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func runBenchmark(rows []DecisionRow, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan DecisionRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := evaluateSnapshot(client, baseURL, row)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.UserID, err)
					}
					continue
				}

				// Track actual labels
				if row.ShouldApprove {
					atomic.AddInt64(&metrics.TotalGood, 1)
				} else {
					atomic.AddInt64(&metrics.TotalBad, 1)
				}

				// Calculate confusion matrix
				predicted := result.Approved()
				actual := row.ShouldApprove

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					verdict := "reject"
					if predicted {
						verdict = "approve"
					}
					name := row.UserID
					if len(name) > 10 {
						name = name[:10]
					}
					fmt.Printf("%s %-10s | Age: %4dd | Balance: $%10.2f | Label: %-5v | Kestrel: %s\n",
						status,
						name,
						row.AgeDays,
						row.Balance,
						row.ShouldApprove,
						verdict,
					)
				}
			}
		}()
	}

	// Send work
	for _, row := range rows {
		work <- row
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateSnapshot(client *http.Client, baseURL string, row DecisionRow) (*ApprovalResponse, error) {
	// Build request matching Kestrel's expected format. Cached scores only:
	// replays must not hammer the live scoring service.
	req := ApprovalRequest{
		UserID: row.UserID,
		BankAccounts: []AccountSnapshot{{
			ID:               row.AccountID,
			AgeDays:          row.AgeDays,
			Balance:          row.Balance,
			IsDaveBanking:    row.IsDaveBanking,
			ValidCredentials: row.ValidCredentials,
			MicroDeposit:     row.MicroDeposit,
			MainPaycheckID:   row.MainPaycheckID,
		}},
		Trigger:        "admin_review",
		MLUseCacheOnly: true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/approvals", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ApprovalResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Good Outcomes:    %d\n", m.TotalGood)
	fmt.Printf("   Bad Outcomes:     %d\n", m.TotalBad)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Approve      Reject")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  G  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           B  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DECISION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of approvals, how many repaid on time)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of good borrowers, how many we approved)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Loss analysis
	fmt.Printf("\n🔍 LOSS ANALYSIS\n")
	if m.TotalBad > 0 {
		caughtRate := float64(m.TrueNegatives) / float64(m.TotalBad) * 100
		lossRate := float64(m.FalsePositives) / float64(m.TotalBad) * 100
		fmt.Printf("   Bad Rejected:      %d / %d (%.2f%%)\n", m.TrueNegatives, m.TotalBad, caughtRate)
		fmt.Printf("   Bad Approved:      %d / %d (%.2f%%) ⚠️\n", m.FalsePositives, m.TotalBad, lossRate)
	}
	if m.TotalGood > 0 {
		turnedAwayRate := float64(m.FalseNegatives) / float64(m.TotalGood) * 100
		fmt.Printf("   Good Turned Away:  %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalGood, turnedAwayRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if precision >= 0.9 {
		fmt.Println("   ✅ Excellent precision - approvals are mostly repaid")
	} else if precision >= 0.7 {
		fmt.Println("   ⚠️  Good precision - some approvals went bad")
	} else {
		fmt.Println("   ❌ Low precision - losses would be significant")
	}

	if recall >= 0.7 {
		fmt.Println("   ✅ Good recall - few good borrowers turned away")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - leaving revenue on the table")
	} else {
		fmt.Println("   ❌ Poor recall - most good borrowers are rejected")
	}

	fmt.Println()
}
