package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/pipeline"
	"github.com/dvloznov/docingest/internal/tier"
)

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, ok := f[uri]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

// fakeIngester fails documents whose bytes start with "bad" and tracks
// the peak number of concurrent calls.
type fakeIngester struct {
	mu       sync.Mutex
	requests []pipeline.Request
	inFlight int32
	peak     int32
}

func (f *fakeIngester) Ingest(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if strings.HasPrefix(string(req.FileBytes), "bad") {
		return nil, ingesterr.Newf(ingesterr.KindTextEmpty, "normalize", "no text")
	}
	return &pipeline.Result{
		ImportID: pipeline.ImportID("u1", pipeline.Checksum(req.FileBytes)),
		Status:   domain.ImportStaged,
		Decision: tier.Decision{TierName: "local"},
		Cost:     "0.0000",
	}, nil
}

func TestParsePreferences(t *testing.T) {
	p, err := parsePreferences([]string{"cost", " Speed ", ""})
	require.NoError(t, err)
	assert.Equal(t, tier.Preferences{PrioritizeCost: true, PrioritizeSpeed: true}, p)

	_, err = parsePreferences([]string{"cheapest"})
	assert.Error(t, err)
}

func TestIngestFlagsRequest(t *testing.T) {
	f := ingestFlags{
		docType:         "Receipt",
		userTier:        "basic",
		userID:          "u1",
		prioritize:      []string{"accuracy"},
		estimatedAmount: 120,
		reprocess:       true,
	}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, domain.DocReceipt, req.DocType)
	assert.Equal(t, domain.UserBasic, req.UserTier)
	assert.True(t, req.Preferences.PrioritizeAccuracy)
	assert.True(t, req.Reprocess)
	require.NotNil(t, req.EstimatedAmount)
	assert.Equal(t, 120.0, *req.EstimatedAmount)

	f.estimatedAmount = 0
	req, err = f.request()
	require.NoError(t, err)
	assert.Nil(t, req.EstimatedAmount)

	_, err = ingestFlags{docType: "invoice", userTier: "free"}.request()
	assert.Error(t, err)
	_, err = ingestFlags{docType: "receipt", userTier: "gold"}.request()
	assert.Error(t, err)
}

func TestLoadInput(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "march.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))

	data, name, err := loadInput(ctx, nil, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), data)
	assert.Equal(t, "march.pdf", name)

	_, _, err = loadInput(ctx, nil, filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)

	_, _, err = loadInput(ctx, nil, "gs://bucket/a/receipt.png")
	assert.ErrorContains(t, err, "archive.bucket")

	src := fakeFetcher{"gs://bucket/a/receipt.png": []byte("png")}
	data, name, err = loadInput(ctx, src, "gs://bucket/a/receipt.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "receipt.png", name)
}

func TestIngestAll(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	for i, body := range []string{"one", "bad two", "three", "four"} {
		p := filepath.Join(dir, string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		inputs = append(inputs, p)
	}
	inputs = append(inputs, filepath.Join(dir, "missing.pdf"))

	svc := &fakeIngester{}
	base := pipeline.Request{DocType: domain.DocReceipt, UserID: "u1"}
	outcomes := ingestAll(context.Background(), svc, nil, base, inputs, 2)

	require.Len(t, outcomes, len(inputs))
	for i, o := range outcomes {
		assert.Equal(t, inputs[i], o.Input, "outcomes keep input order")
	}
	assert.NotNil(t, outcomes[0].Result)
	assert.Equal(t, string(ingesterr.KindTextEmpty), outcomes[1].Kind)
	assert.NotNil(t, outcomes[2].Result, "a failure does not stop the batch")
	assert.Equal(t, string(ingesterr.KindInvalidRequest), outcomes[4].Kind)

	assert.Len(t, svc.requests, 4)
	assert.LessOrEqual(t, atomic.LoadInt32(&svc.peak), int32(2))
	for _, req := range svc.requests {
		assert.Equal(t, domain.DocReceipt, req.DocType)
		assert.NotEmpty(t, req.Filename)
	}

	var buf bytes.Buffer
	err := report(&buf, outcomes, false)
	assert.ErrorContains(t, err, "2 of 5 documents failed")
	assert.Contains(t, buf.String(), "failed (text_empty_after_cleaning)")
	assert.Contains(t, buf.String(), outcomes[0].Result.ImportID)
}

func TestReportJSON(t *testing.T) {
	var buf bytes.Buffer
	err := report(&buf, []outcome{{Input: "a.pdf", Result: &pipeline.Result{ImportID: "imp-1"}}}, true)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"import_id": "imp-1"`)
}

func TestPrintSnapshot(t *testing.T) {
	monthly := decimal.RequireFromString("20")
	ledger, err := budget.NewLedger(context.Background(), budget.NewMemoryStore(), budget.Config{
		MonthlyBudget: &monthly,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printSnapshot(&buf, ledger.Snapshot()))
	assert.Contains(t, buf.String(), "Budget:        20.00")
	assert.NotContains(t, buf.String(), "TIER")
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"ingest", "reparse", "inspect", "imports", "tiers", "estimate", "budget", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"budget", "reset"})
	require.NoError(t, err)
	assert.Equal(t, "reset", cmd.Name())
}
