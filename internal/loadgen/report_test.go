package loadgen

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

func TestFinalize(t *testing.T) {
	startedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, 5, 1, 12, 0, 10, 123_456_789, time.FixedZone("CET", 3600))

	report := finalizeAt(Totals{
		RunID:       "abc",
		StartNonce:  10,
		FinalNonce:  25,
		StartSource: big.NewInt(1000),
		EndSource:   big.NewInt(400),
		StartDest:   big.NewInt(50),
		EndDest:     big.NewInt(62),
		Errors:      2,
		Elapsed:     10_500 * time.Millisecond,
		Batches:     3,
		StartedAt:   startedAt,
		BatchSize:   5,
		IntervalMS:  1000,
		From:        src,
		To:          dst,
	}, now)

	if report.TransactionCount != 15 {
		t.Errorf("TransactionCount = %d, want 15", report.TransactionCount)
	}
	if report.WeiSpent.Int64() != 600 {
		t.Errorf("WeiSpent = %s, want 600", report.WeiSpent)
	}
	if report.WeiTransferred.Int64() != 12 {
		t.Errorf("WeiTransferred = %s, want 12", report.WeiTransferred)
	}
	if report.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", report.ErrorCount)
	}
	if report.DurationMS != 10_500 {
		t.Errorf("DurationMS = %d, want 10500", report.DurationMS)
	}
	if report.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", report.Timestamp)
	}
}

func TestFinalizeNegativeSpend(t *testing.T) {
	// the source was credited during the run
	report := Finalize(Totals{
		StartSource: big.NewInt(100),
		EndSource:   big.NewInt(150),
	})
	if report.WeiSpent.Int64() != -50 {
		t.Errorf("WeiSpent = %s, want -50", report.WeiSpent)
	}
	if report.WeiTransferred.Sign() != 0 {
		t.Errorf("WeiTransferred = %s, want 0 for nil balances", report.WeiTransferred)
	}
}

func TestReportJSON(t *testing.T) {
	huge, _ := new(big.Int).SetString("1208925819614629174706176", 10) // 2^80
	report := finalizeAt(Totals{
		StartNonce:  0,
		FinalNonce:  9,
		StartSource: huge,
		EndSource:   big.NewInt(0),
		StartDest:   big.NewInt(0),
		EndDest:     big.NewInt(9),
		Errors:      3,
		Elapsed:     1234 * time.Millisecond,
	}, time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC))

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"duration":       float64(1234),
		"transactions":   "9",
		"weiSpent":       "1208925819614629174706176",
		"weiTransferred": "9",
		"errors":         "3",
		"timestamp":      "2024-01-02T03:04:05.006Z",
	}
	for k, v := range want {
		if raw[k] != v {
			t.Errorf("%s = %#v, want %#v", k, raw[k], v)
		}
	}
}
