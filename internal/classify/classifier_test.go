package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/query"
)

func mustParse(t *testing.T, input string) *query.Query {
	t.Helper()
	q, err := query.Parse(input)
	require.NoError(t, err)
	return q
}

func TestClassify_EligibleQueries(t *testing.T) {
	cases := []string{
		"SELECT COUNT(*) AS n FROM orders",
		"SELECT SUM(amount) AS total FROM orders",
		"SELECT AVG(amount) AS mean FROM orders",
		"SELECT customer_id, COUNT(*) AS n, SUM(amount) AS total FROM orders GROUP BY customer_id",
		"SELECT region, AVG(latency) AS mean FROM requests WHERE status = 'ok' GROUP BY region",
	}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			c := Classify(mustParse(t, input))
			assert.True(t, c.Eligible, "reason: %s", c.Reason)
			assert.Empty(t, c.Reason)
			assert.NotEmpty(t, c.Specs)
		})
	}
}

func TestClassify_IneligibleQueries(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"min", "SELECT MIN(amount) AS low FROM orders"},
		{"max", "SELECT region, MAX(amount) AS high FROM orders GROUP BY region"},
		{"percentile", "SELECT PERCENTILE_CONT(0.5) AS p50 FROM latencies"},
		{"array_agg", "SELECT ARRAY_AGG(tag) AS tags FROM posts"},
		{"bool_and", "SELECT BOOL_AND(ok) AS all_ok FROM checks"},
		{"stddev", "SELECT STDDEV(amount) AS sd FROM orders"},
		{"count distinct", "SELECT COUNT(DISTINCT user_id) AS users FROM sessions"},
		{"join", "SELECT COUNT(*) AS n FROM orders o JOIN customers c ON o.customer_id = c.id"},
		{"subquery", "SELECT COUNT(*) AS n FROM orders WHERE customer_id IN (SELECT id FROM vips)"},
		{"select distinct", "SELECT DISTINCT region FROM orders"},
		{"having", "SELECT region, SUM(amount) AS s FROM orders GROUP BY region HAVING SUM(amount) > 100"},
		{"no aggregates", "SELECT region FROM orders"},
		{"two group by clauses", "SELECT region, COUNT(*) AS n FROM orders GROUP BY region GROUP BY status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(mustParse(t, tc.input))
			assert.False(t, c.Eligible)
			assert.NotEmpty(t, c.Reason)
		})
	}
}

// A mix of invertible and non-invertible aggregates disqualifies the whole
// query; the fast path is all-or-nothing per table.
func TestClassify_MixedAggregates(t *testing.T) {
	c := Classify(mustParse(t, "SELECT SUM(amount) AS total, MAX(amount) AS high FROM orders"))
	assert.False(t, c.Eligible)
	assert.Contains(t, c.Reason, "not invertible")

	// Specs still describe every column for the batch compiler.
	require.Len(t, c.Specs, 2)
	assert.Equal(t, stream.AggSum, c.Specs[0].Kind)
	assert.True(t, c.Specs[0].Invertible)
	assert.Equal(t, stream.AggMax, c.Specs[1].Kind)
	assert.False(t, c.Specs[1].Invertible)
}

func TestClassify_SpecShapes(t *testing.T) {
	c := Classify(mustParse(t, "SELECT customer_id, COUNT(*) AS n, AVG(amount) AS mean FROM orders GROUP BY customer_id"))
	require.True(t, c.Eligible)
	require.Len(t, c.Specs, 2)

	assert.Equal(t, "n", c.Specs[0].Column)
	assert.Equal(t, stream.AggCount, c.Specs[0].Kind)
	assert.Empty(t, c.Specs[0].Expr)

	assert.Equal(t, "mean", c.Specs[1].Column)
	assert.Equal(t, stream.AggAvg, c.Specs[1].Kind)
	assert.Equal(t, "amount", c.Specs[1].Expr)

	assert.Equal(t, []string{"customer_id"}, c.GroupBy)
}
