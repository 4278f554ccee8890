// Command generate writes a reproducible sample dataset with injected
// leakage into testdata/.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

var rates = []struct {
	service string
	rate    decimal.Decimal
}{
	{"cloud_storage", decimal.RequireFromString("0.05")},
	{"compute_instances", decimal.RequireFromString("0.10")},
	{"database_service", decimal.RequireFromString("0.15")},
	{"api_calls", decimal.RequireFromString("0.001")},
	{"bandwidth", decimal.RequireFromString("0.02")},
	{"support_plan", decimal.RequireFromString("50.0")},
}

type contractRow struct {
	ContractID  string `json:"contract_id"`
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"`
	AgreedRate  string `json:"agreed_rate"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

type usageRow struct {
	LogID         string `json:"log_id"`
	CustomerID    string `json:"customer_id"`
	ServiceType   string `json:"service_type"`
	RecordedUsage string `json:"recorded_usage"`
	Timestamp     string `json:"timestamp"`
}

// counters of injected errors, printed at the end
type injected struct {
	rate, duplicate, missing, usage int
}

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	var (
		contracts    []contractRow
		billing      [][]string
		usage        []usageRow
		provisioning [][]string
		inj          injected
	)

	invoice := 0
	nextInvoice := func() string {
		invoice++
		return fmt.Sprintf("INV-%05d", invoice)
	}

	for c := 0; c < 50; c++ {
		customer := fmt.Sprintf("C%d", 1001+c)

		// each customer subscribes to 2-4 services
		for _, i := range rng.Perm(len(rates))[:2+rng.Intn(3)] {
			svc := rates[i]
			contractID := fmt.Sprintf("CT-%s-%02d", customer, i+1)
			contracts = append(contracts, contractRow{
				ContractID:  contractID,
				CustomerID:  customer,
				ServiceType: svc.service,
				AgreedRate:  svc.rate.String(),
				StartDate:   start.Format(time.DateOnly),
				EndDate:     end.Format(time.DateOnly),
			})
			provisioning = append(provisioning, []string{
				fmt.Sprintf("PRV-%s-%02d", customer, i+1),
				customer,
				svc.service,
				fmt.Sprintf("tier-%d", 1+rng.Intn(3)),
				pickStatus(rng),
			})

			// 5% of contracts are never billed
			if rng.Float64() < 0.05 {
				inj.missing++
				continue
			}

			month := start.AddDate(0, rng.Intn(12), rng.Intn(28))
			quantity := decimal.NewFromInt(int64(100 + rng.Intn(9900)))

			billed := svc.rate
			// 10% of invoices use a wrong rate
			if rng.Float64() < 0.10 {
				billed = svc.rate.Mul(decimal.NewFromFloat(0.8 + rng.Float64()*0.15)).Round(4)
				inj.rate++
			}
			line := []string{
				nextInvoice(),
				customer,
				svc.service,
				billed.String(),
				quantity.String(),
				billed.Mul(quantity).Round(2).StringFixed(2),
				month.Format(time.DateOnly),
			}
			billing = append(billing, line)

			// 3% are billed twice under a new invoice number
			if rng.Float64() < 0.03 {
				dup := append([]string{nextInvoice()}, line[1:]...)
				billing = append(billing, dup)
				inj.duplicate++
			}

			// usage logs spread the billed quantity over a few entries, 8% of
			// them recording noticeably more than was billed
			recorded := quantity
			if rng.Float64() < 0.08 {
				recorded = quantity.Mul(decimal.NewFromFloat(1.15 + rng.Float64()*0.35)).Round(0)
				inj.usage++
			}
			parts := 1 + rng.Intn(4)
			share := recorded.Div(decimal.NewFromInt(int64(parts))).Floor()
			for p := 0; p < parts; p++ {
				amount := share
				if p == parts-1 {
					amount = recorded.Sub(share.Mul(decimal.NewFromInt(int64(parts - 1))))
				}
				ts := month.Add(time.Duration(rng.Intn(24*3600)) * time.Second)
				usage = append(usage, usageRow{
					LogID:         fmt.Sprintf("LOG-%06d", len(usage)+1),
					CustomerID:    customer,
					ServiceType:   svc.service,
					RecordedUsage: amount.String(),
					Timestamp:     ts.Format(time.DateTime),
				})
			}
		}
	}

	writeJSONFile(filepath.Join(baseDir, "contracts.json"), contracts)
	writeCSVFile(filepath.Join(baseDir, "billing_records.csv"),
		[]string{"invoice_id", "customer_id", "service_type", "billed_rate", "usage_quantity", "total_charge", "date"},
		billing)
	writeJSONFile(filepath.Join(baseDir, "usage_logs.json"), usage)
	writeCSVFile(filepath.Join(baseDir, "service_provisioning.csv"),
		[]string{"provision_id", "customer_id", "service_type", "provisioned_level", "status"},
		provisioning)

	fmt.Printf("Generated %d contracts, %d billing records, %d usage logs, %d provisioning records\n",
		len(contracts), len(billing), len(usage), len(provisioning))
	fmt.Printf("Injected %d rate errors, %d duplicates, %d missing charges, %d usage overruns\n",
		inj.rate, inj.duplicate, inj.missing, inj.usage)
}

func pickStatus(rng *rand.Rand) string {
	switch roll := rng.Float64(); {
	case roll < 0.85:
		return string(domain.ProvisioningActive)
	case roll < 0.95:
		return string(domain.ProvisioningPending)
	default:
		return string(domain.ProvisioningSuspended)
	}
}

func writeCSVFile(path string, header []string, rows [][]string) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		panic(err)
	}
	if err := w.WriteAll(rows); err != nil {
		panic(err)
	}
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
