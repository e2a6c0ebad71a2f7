package extract

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dwhsync/internal/domain"
)

func TestSelectQuery_Postgres(t *testing.T) {
	d, err := dialectFor(DriverPostgres)
	require.NoError(t, err)

	window := domain.ProcessingWindow{
		From: time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	query, args := d.selectQuery(domain.SourceTable{Name: "Customer", IncrementalColumn: "ModifiedDate"}, window)

	assert.Equal(t, `SELECT * FROM "Customer" WHERE "ModifiedDate" > $1 AND "ModifiedDate" <= $2 ORDER BY "ModifiedDate"`, query)
	assert.Equal(t, []any{window.From, window.To}, args)
}

func TestSelectQuery_MySQLOpenWindow(t *testing.T) {
	d, err := dialectFor(DriverMySQL)
	require.NoError(t, err)

	window := domain.ProcessingWindow{To: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	query, args := d.selectQuery(domain.SourceTable{Name: "Customer", IncrementalColumn: "ModifiedDate"}, window)

	assert.Equal(t, "SELECT * FROM `Customer` WHERE `ModifiedDate` <= ? ORDER BY `ModifiedDate`", query)
	assert.Equal(t, []any{window.To}, args)
}

func TestSelectQuery_FullTable(t *testing.T) {
	d, err := dialectFor(DriverPostgres)
	require.NoError(t, err)

	query, args := d.selectQuery(domain.SourceTable{Name: `odd"name`}, domain.ProcessingWindow{})
	assert.Equal(t, `SELECT * FROM "odd""name"`, query)
	assert.Empty(t, args)
}

func TestMySQLDSN(t *testing.T) {
	d, err := dialectFor(DriverMySQL)
	require.NoError(t, err)

	dsn := d.dsn(Config{Host: "db", Port: 3306, User: "etl", Password: "secret", DBName: "oltp"})
	assert.Contains(t, dsn, "etl:secret@tcp(db:3306)/oltp")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestDialectFor_Unknown(t *testing.T) {
	_, err := dialectFor("oracle")
	assert.Error(t, err)
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2025, 3, 10, 8, 0, 0, 0, time.FixedZone("EST", -5*3600))

	assert.Equal(t, int64(7), NormalizeValue(int32(7), "INT4"))
	assert.Equal(t, int64(7), NormalizeValue([]byte("7"), "BIGINT"))
	assert.Equal(t, 12.5, NormalizeValue([]byte("12.50"), "DECIMAL"))
	assert.Equal(t, 12.5, NormalizeValue("12.50", "NUMERIC"))
	assert.Equal(t, "NYC", NormalizeValue([]byte("NYC"), "VARCHAR"))
	assert.Equal(t, float64(float32(1.5)), NormalizeValue(float32(1.5), "FLOAT4"))
	assert.Equal(t, ts.UTC(), NormalizeValue(ts, "TIMESTAMPTZ"))
	assert.Nil(t, NormalizeValue(nil, "TEXT"))
	assert.Equal(t, true, NormalizeValue(true, "BOOL"))
}

func TestNormalizeValue_UnsignedAboveInt64StaysUnsigned(t *testing.T) {
	assert.Equal(t, int64(42), NormalizeValue(uint64(42), "UNSIGNED BIGINT"))
	assert.Equal(t, int64(math.MaxInt64), NormalizeValue(uint64(math.MaxInt64), "UNSIGNED BIGINT"))

	huge := uint64(math.MaxInt64) + 1
	assert.Equal(t, huge, NormalizeValue(huge, "UNSIGNED BIGINT"))
	assert.Equal(t, uint64(math.MaxUint64), NormalizeValue([]byte("18446744073709551615"), "UNSIGNED BIGINT"))
	assert.Equal(t, int64(7), NormalizeValue(uint(7), "UNSIGNED INT"))

	value, ok := domain.AsFloat(NormalizeValue(huge, "UNSIGNED BIGINT"))
	require.True(t, ok)
	assert.Positive(t, value)
}
