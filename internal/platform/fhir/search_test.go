package fhir

import "testing"

func TestParseSearchValuePrefix(t *testing.T) {
	cases := []struct {
		raw    string
		prefix SearchPrefix
		value  string
	}{
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"le100", PrefixLe, "100"},
		{"100", PrefixEq, "100"},
		{"2023-01-01", PrefixEq, "2023-01-01"},
	}
	for _, c := range cases {
		got := ParseSearchValue(c.raw)
		if got.Prefix != c.prefix || got.Value != c.value {
			t.Errorf("ParseSearchValue(%q) = %+v, want prefix=%v value=%q", c.raw, got, c.prefix, c.value)
		}
	}
}

func TestParseParamModifier(t *testing.T) {
	name, mod := ParseParamModifier("name:exact")
	if name != "name" || mod != ModifierExact {
		t.Fatalf("got name=%q mod=%q", name, mod)
	}
	name, mod = ParseParamModifier("code")
	if name != "code" || mod != "" {
		t.Fatalf("got name=%q mod=%q", name, mod)
	}
}

func TestDateSearchClausePrefixes(t *testing.T) {
	clause, args, next := DateSearchClause("t.\"BIRTHDATE\"", "gt2023-01-01", 1)
	if clause != `t."BIRTHDATE" > $1` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 1 || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestDateSearchClauseEqDateOnlyIsRange(t *testing.T) {
	clause, args, next := DateSearchClause("t.\"BIRTHDATE\"", "2023-01-01", 1)
	if clause != `(t."BIRTHDATE" >= $1 AND t."BIRTHDATE" <= $2)` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 2 || next != 3 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestDateSearchClauseUnparseableFallsBackToTextMatch(t *testing.T) {
	clause, args, next := DateSearchClause("t.\"BIRTHDATE\"", "not-a-date", 1)
	if clause != `CAST(t."BIRTHDATE" AS TEXT) = $1` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 1 || args[0] != "not-a-date" || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestNumberSearchClausePrefixes(t *testing.T) {
	clause, args, next := NumberSearchClause("t.\"VALUE\"", "ge5", 3)
	if clause != `t."VALUE" >= $3` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "5" || next != 4 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestTokenColumnClauseBareCode(t *testing.T) {
	clause, args, next := TokenColumnClause("t.\"GENDER\"", "male", 1)
	if clause != `(t."GENDER" = $1 OR t."GENDER" LIKE $2)` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "male" || args[1] != "%|male" || next != 3 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestTokenColumnClauseSystemAndCode(t *testing.T) {
	clause, args, next := TokenColumnClause("t.\"IDENTIFIER\"", "http://example.org|12345", 1)
	if clause != `t."IDENTIFIER" = $1` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "http://example.org|12345" || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestTokenColumnClauseSystemOnly(t *testing.T) {
	clause, args, next := TokenColumnClause("t.\"IDENTIFIER\"", "http://example.org|", 1)
	if clause != `t."IDENTIFIER" LIKE $1` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "http://example.org|%" || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestTokenColumnClauseCodeOnlyPipePrefixed(t *testing.T) {
	clause, args, next := TokenColumnClause("t.\"IDENTIFIER\"", "|12345", 1)
	if clause != `(t."IDENTIFIER" = $1 OR t."IDENTIFIER" LIKE $2)` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "12345" || args[1] != "%|12345" || next != 3 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestStringSearchClauseDefaultIsSubstring(t *testing.T) {
	clause, args, next := StringSearchClause("t.\"FAMILY\"", "Doe", "", 1)
	if clause != `UPPER(t."FAMILY") LIKE UPPER($1)` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "%Doe%" || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestStringSearchClauseExactModifier(t *testing.T) {
	clause, args, next := StringSearchClause("t.\"FAMILY\"", "Doe", ModifierExact, 1)
	if clause != `t."FAMILY" = $1` {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if args[0] != "Doe" || next != 2 {
		t.Fatalf("unexpected args/next: %v %d", args, next)
	}
}

func TestParseReferenceValue(t *testing.T) {
	rt, id := ParseReferenceValue("Patient/123")
	if rt != "Patient" || id != "123" {
		t.Fatalf("got rt=%q id=%q", rt, id)
	}
	rt, id = ParseReferenceValue("123")
	if rt != "" || id != "123" {
		t.Fatalf("got rt=%q id=%q for bare id", rt, id)
	}
}
