package sqlscript

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlOf(stmts []Statement) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.Normalized()
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"empty", "", nil},
		{"only trivia", "  -- nothing\n /* here */ ;; ", nil},
		{"single without terminator", "SELECT 1", []string{"SELECT 1"}},
		{"two statements", "SELECT 1; SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"semicolon in string", "INSERT INTO t VALUES ('a;b'); SELECT 1", []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"}},
		{"escaped quote", "SELECT 'it''s; fine'; SELECT 2", []string{"SELECT 'it''s; fine'", "SELECT 2"}},
		{"quoted identifiers", `SELECT "a;b", [c;d], ` + "`e;f`" + ` FROM t; SELECT 2`, []string{`SELECT "a;b", [c;d], ` + "`e;f`" + ` FROM t`, "SELECT 2"}},
		{"comments", "-- lead; \nSELECT 1 /* mid; */ ; -- tail;\nSELECT 2", []string{"SELECT 1 /* mid; */", "SELECT 2"}},
		{"empty statements", ";;SELECT 1;;;SELECT 2;;", []string{"SELECT 1", "SELECT 2"}},
		{
			"trigger body",
			"CREATE TRIGGER trg AFTER INSERT ON t BEGIN UPDATE t SET x = 1; DELETE FROM u; END; SELECT 1",
			[]string{"CREATE TRIGGER trg AFTER INSERT ON t BEGIN UPDATE t SET x = 1; DELETE FROM u; END", "SELECT 1"},
		},
		{
			"temp trigger with case",
			"create temp trigger trg after insert on t begin select case when new.x then 1 end; end; select 2",
			[]string{"create temp trigger trg after insert on t begin select case when new.x then 1 end; end", "select 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.script)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, sqlOf(got))
		})
	}
}

func TestStatementKeyword(t *testing.T) {
	tests := []struct {
		sql          string
		keyword      string
		modifiesRows bool
	}{
		{"insert into t values (1)", "INSERT", true},
		{"  -- note\n UPDATE t SET x = 1", "UPDATE", true},
		{"/* c */ Delete FROM t", "DELETE", true},
		{"SELECT * FROM t", "SELECT", false},
		{"CREATE TABLE t (x)", "CREATE", false},
		{"WITH c AS (SELECT 1) INSERT INTO t SELECT * FROM c", "WITH", false},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			stmts := Split(tt.sql)
			require.Len(t, stmts, 1)
			assert.Equal(t, tt.keyword, stmts[0].Keyword())
			assert.Equal(t, tt.modifiesRows, stmts[0].ModifiesRows())
		})
	}
}

func TestIteratorRawAccounting(t *testing.T) {
	script := "  SELECT 1;\n\n-- two\nSELECT 2;  \n -- end\n"
	it := Iterate(script)
	assert.Equal(t, script, it.Remaining())

	require.True(t, it.Next())
	first := it.Statement()
	assert.Equal(t, "  SELECT 1;", first.Raw)
	assert.Equal(t, 0, first.Offset)
	assert.Equal(t, 1, first.Line)

	require.True(t, it.Next())
	second := it.Statement()
	assert.Equal(t, "\n\n-- two\nSELECT 2;  \n -- end\n", second.Raw)
	assert.Equal(t, 4, second.Line)
	assert.Equal(t, "SELECT 2;", second.SQL())

	assert.False(t, it.Next())
	assert.Empty(t, it.Remaining())
}

var fragments = []string{
	"SELECT 1",
	"SELECT 'a;b'",
	"INSERT INTO t VALUES (1)",
	"-- comment;\nSELECT 2",
	"/* block; */ UPDATE t SET x = 2",
	`SELECT "q;q" FROM t`,
	"CREATE TRIGGER g AFTER INSERT ON t BEGIN DELETE FROM u; END",
}

func TestProperty_SplitCoversScript(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("raw statements concatenate back to the script", prop.ForAll(
		func(picks []int, sep string) bool {
			parts := make([]string, len(picks))
			for i, p := range picks {
				parts[i] = fragments[p]
			}
			script := strings.Join(parts, ";"+sep)

			var b strings.Builder
			stmts := Split(script)
			for _, s := range stmts {
				b.WriteString(s.Raw)
			}
			return b.String() == script && len(stmts) == len(picks)
		},
		gen.SliceOf(gen.IntRange(0, len(fragments)-1)),
		gen.OneConstOf("", " ", "\n", "\n-- x\n", " /* y */ "),
	))

	properties.TestingRun(t)
}
