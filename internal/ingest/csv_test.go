package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func TestCSVParseDefaultMapping(t *testing.T) {
	t.Parallel()

	input := `symbol,side,quantity,price,commission,executed_at,external_id
AAPL,BUY,10,100.50,1.25,2026-03-02T14:30:00Z,ord-1
msft,sell,5,300,,2026-03-02T15:00:00Z,ord-2
`
	im := NewCSVImporter(DefaultColumnMap(), "")
	result, err := im.Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, result.Executions, 2)
	assert.Empty(t, result.Rejected)

	first := result.Executions[0]
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, domain.SideBuy, first.Side)
	assert.Equal(t, "10", first.Quantity.String())
	assert.Equal(t, "100.5", first.Price.String())
	assert.Equal(t, "1.25", first.Commission.String())
	assert.Equal(t, "ord-1", first.ExternalID)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC), first.ExecutedAt)

	second := result.Executions[1]
	assert.Equal(t, "MSFT", second.Symbol, "symbol is upper-cased")
	assert.Equal(t, domain.SideSell, second.Side, "side is upper-cased")
	assert.True(t, second.Commission.IsZero(), "missing commission defaults to zero")
}

func TestCSVParseCustomMappingAndLayout(t *testing.T) {
	t.Parallel()

	input := `Ticker,Action,Shares,Fill Price,Time
AAPL,BUY,10,100,2026-03-02 14:30:00
`
	im := NewCSVImporter(ColumnMap{
		Symbol:     "Ticker",
		Side:       "Action",
		Quantity:   "Shares",
		Price:      "Fill Price",
		ExecutedAt: "Time",
	}, "2006-01-02 15:04:05")

	result, err := im.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Executions, 1)
	assert.Equal(t, "AAPL", result.Executions[0].Symbol)
}

func TestCSVParseCollectsRowErrors(t *testing.T) {
	t.Parallel()

	input := `symbol,side,quantity,price,commission,executed_at,external_id
AAPL,BUY,notanumber,100,0,2026-03-02T14:30:00Z,ord-1
AAPL,BUY,10,100,0,invalid-time,ord-2
AAPL,BUY,10,100,0,2026-03-02T14:30:00Z,ord-3
`
	im := NewCSVImporter(DefaultColumnMap(), "")
	result, err := im.Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, result.Executions, 1)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, 1, result.Rejected[0].Row)
	assert.Equal(t, "ord-1", result.Rejected[0].ExternalID)
	assert.Contains(t, result.Rejected[0].Reason, "quantity")
	assert.Equal(t, 2, result.Rejected[1].Row)
	assert.Contains(t, result.Rejected[1].Reason, "timestamp")
}

func TestCSVParseMissingRequiredColumn(t *testing.T) {
	t.Parallel()

	input := `symbol,quantity,price,executed_at
AAPL,10,100,2026-03-02T14:30:00Z
`
	im := NewCSVImporter(DefaultColumnMap(), "")
	_, err := im.Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "side")
}
