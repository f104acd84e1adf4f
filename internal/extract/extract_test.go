package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGeneratorFunc returns canned outputs in order.
type MockGeneratorFunc struct {
	Outputs []string
	Err     error
	Calls   []llm.Request
}

func (m *MockGeneratorFunc) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	i := len(m.Calls) - 1
	if i >= len(m.Outputs) {
		i = len(m.Outputs) - 1
	}
	return &llm.Response{Text: m.Outputs[i], InputTokens: 100, OutputTokens: 20}, nil
}

func TestExtract_Receipt(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		`{"transactions":[{"date":"2024-03-02","description":"Latte","merchant":"STARBUCKS","amount":5.35,"type":"debit","category":"Coffee","confidence":0.93}],"errors":[],"stats":{"rows_seen":4,"rows_returned":1}}`,
	}}
	ex := NewExtractor(gen, "")

	res, err := ex.Extract(context.Background(), Input{
		Text:     "STARBUCKS\nLatte $4.95\nTax $0.40\nTotal $5.35",
		DocType:  domain.DocReceipt,
		Currency: "USD",
	})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)

	tx := res.Transactions[0]
	assert.Equal(t, -5.35, tx.Amount)
	assert.Equal(t, domain.TxDebit, tx.Type)
	assert.Equal(t, "STARBUCKS", tx.Merchant)
	require.NotNil(t, tx.Date)
	assert.Equal(t, "2024-03-02", *tx.Date)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, DefaultModel, res.Model)
	assert.Equal(t, int32(100), res.InputTokens)

	require.Len(t, gen.Calls, 1)
	assert.True(t, gen.Calls[0].JSONResponse)
	assert.Contains(t, gen.Calls[0].Prompt, "EXACTLY ONE transaction")
	assert.Contains(t, gen.Calls[0].Prompt, "Total $5.35")
}

func TestExtract_RetryOnMalformedJSON(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		`{"transactions": [ {"description": "Shell", "amount": -42.00,`,
		"```json\n{\"transactions\":[{\"date\":\"2024-01-05\",\"description\":\"Shell\",\"amount\":-42.0}],\"errors\":[],\"stats\":{}}\n```",
	}}
	ex := NewExtractor(gen, "gemini-2.5-pro")

	res, err := ex.Extract(context.Background(), Input{Text: "05/01 Shell 42.00-", DocType: domain.DocStatement})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, -42.0, res.Transactions[0].Amount)
	assert.Equal(t, domain.TxDebit, res.Transactions[0].Type)
	assert.Equal(t, DefaultConfidence, res.Transactions[0].Confidence)

	require.Len(t, gen.Calls, 2)
	assert.Equal(t, "gemini-2.5-pro", gen.Calls[1].Model)
	assert.True(t, strings.HasPrefix(gen.Calls[1].Prompt, retryInstruction))
}

func TestExtract_ParseFailedAfterTwoAttempts(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{"not json", `{"rows": []}`}}
	ex := NewExtractor(gen, "")

	_, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocStatement, Tier: "gemini-flash"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ingesterr.ErrParseFailed)
	assert.False(t, ingesterr.IsRetryable(err))
	assert.Len(t, gen.Calls, 2)

	var ie *ingesterr.Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, `{"rows": []}`, ie.RawOutput)
	assert.Equal(t, "gemini-flash", ie.Tier)
	assert.Equal(t, 2, ie.Stats.ExtractAttempts)
}

func TestExtract_RetryOnEmptyOutput(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		"",
		`{"transactions":[{"date":"2024-01-05","description":"Shell","amount":-42.0}],"errors":[],"stats":{}}`,
	}}
	ex := NewExtractor(gen, "")

	res, err := ex.Extract(context.Background(), Input{Text: "05/01 Shell 42.00-", DocType: domain.DocStatement})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Transactions, 1)
	assert.True(t, strings.HasPrefix(gen.Calls[1].Prompt, retryInstruction))
}

func TestExtract_EmptyOutputTwiceIsParseFailed(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{"", "  "}}
	ex := NewExtractor(gen, "")

	_, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocReceipt})
	assert.ErrorIs(t, err, ingesterr.ErrParseFailed)
	assert.False(t, ingesterr.IsRetryable(err))
	assert.Len(t, gen.Calls, 2)
}

func TestExtract_ModelUnavailable(t *testing.T) {
	gen := &MockGeneratorFunc{Err: errors.New("429 quota exceeded")}
	ex := NewExtractor(gen, "")

	_, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocReceipt})
	require.Error(t, err)
	assert.ErrorIs(t, err, ingesterr.ErrExtractionUnavailable)
	assert.True(t, ingesterr.IsRetryable(err))
	assert.Len(t, gen.Calls, 1)
}

func TestExtract_SkipsBadElements(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		`{"transactions":[
			"garbage",
			{"amount": 3},
			{"date":"05 Jan","description":"Salary ACME","amount":"$1,234.56","category":""},
			{"description":"Card fee","amount":"(12.00)","type":"DEBIT","confidence":"85%"}
		],"errors":["row 7 unreadable"]}`,
	}}
	ex := NewExtractor(gen, "")

	res, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocStatement})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, res.Errors, 3)
	assert.Equal(t, "row 7 unreadable", res.Errors[0])
	require.Len(t, res.Transactions, 2)

	salary := res.Transactions[0]
	assert.Nil(t, salary.Date)
	assert.Nil(t, salary.Category)
	assert.Equal(t, 1234.56, salary.Amount)
	assert.Equal(t, domain.TxCredit, salary.Type)

	fee := res.Transactions[1]
	assert.Equal(t, -12.0, fee.Amount)
	assert.Equal(t, domain.TxDebit, fee.Type)
	assert.InDelta(t, 0.85, fee.Confidence, 1e-9)
}

func TestExtract_ReceiptCollapsesToTotal(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		`{"transactions":[{"description":"Latte","amount":4.95},{"description":"Tax","amount":0.40},{"merchant":"STARBUCKS","description":"Total","amount":5.35}]}`,
	}}
	ex := NewExtractor(gen, "")

	res, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocReceipt})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, -5.35, res.Transactions[0].Amount)
	assert.Equal(t, "STARBUCKS", res.Transactions[0].Label())
}

func TestExtract_Invariants(t *testing.T) {
	gen := &MockGeneratorFunc{Outputs: []string{
		`{"transactions":[
			{"description":"a","amount":10,"type":"debit","confidence":7},
			{"description":"b","amount":-3,"confidence":-1},
			{"description":"c","amount":"99.10-","confidence":"abc"},
			{"description":"d","amount":null,"type":"credit","confidence":null},
			{"description":"e","amount":"12.00 DR"}
		]}`,
	}}
	ex := NewExtractor(gen, "")

	res, err := ex.Extract(context.Background(), Input{Text: "x", DocType: domain.DocCreditCardStatement})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 5)
	for _, tx := range res.Transactions {
		if tx.Type == domain.TxDebit {
			assert.LessOrEqual(t, tx.Amount, 0.0, tx.Description)
		}
		assert.GreaterOrEqual(t, tx.Confidence, 0.0)
		assert.LessOrEqual(t, tx.Confidence, 1.0)
	}
	assert.Equal(t, 1.0, res.Transactions[0].Confidence)
	assert.Equal(t, 0.0, res.Transactions[1].Confidence)
	assert.Equal(t, -99.10, res.Transactions[2].Amount)
	assert.Equal(t, 0.0, res.Transactions[3].Amount)
	assert.Equal(t, -12.0, res.Transactions[4].Amount)
}

func TestCoerceAmount(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
	}{
		{42.5, 42.5},
		{"1,234.56", 1234.56},
		{"$4.95", 4.95},
		{"£ 12.00-", -12},
		{"(7.25)", -7.25},
		{"-3.10", -3.1},
		{"15.00 CR", 15},
		{"n/a", 0},
		{true, 0},
		{nil, 0},
	}
	for _, tt := range tests {
		got, _ := coerceAmount(tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestCoerceDate(t *testing.T) {
	d := coerceDate("2024-01-05T10:00:00Z")
	require.NotNil(t, d)
	assert.Equal(t, "2024-01-05", *d)
	assert.Nil(t, coerceDate("Jan 5"))
	assert.Nil(t, coerceDate(20240105.0))
}
