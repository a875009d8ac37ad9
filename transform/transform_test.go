package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), string(b))
	return m
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		"analytics", "banking", "credit", "credit_bureau", "documents",
		"financial", "identity", "kyc", "market_data", "user",
	}, r.IDs())
	assert.Equal(t, 10, r.Len())

	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, []byte("raw"), r.Apply("nope", []byte("raw")))
}

func TestTransforms_Idempotent(t *testing.T) {
	r := NewRegistry()
	inputs := [][]byte{
		[]byte(`{"ssn":"123-45-6789","account_number":"9876543210","email":"jane@example.com","amount":12.345}`),
		[]byte(`[{"symbol":"aapl","price":189.123456}]`),
		[]byte(`{"_gateway":{"transform":"other"},"note":"SSN 111-22-3333 on file"}`),
		[]byte(`not json at all`),
		[]byte(``),
		[]byte(`{"a":1} trailing`),
	}

	for _, id := range r.IDs() {
		for _, in := range inputs {
			once := r.Apply(id, in)
			twice := r.Apply(id, once)
			assert.Equal(t, string(once), string(twice), "transform %s on %q", id, in)
		}
	}
}

func TestTransform_IncomingMetaNotTrusted(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		in   string
	}{
		{"same id", `{"ssn":"123-45-6789","account_number":"9876543210","_gateway":{"transform":"credit"}}`},
		{"same id normalized", `{"ssn":"123-45-6789","_gateway":{"transform":"credit","category":"credit","normalized":true}}`},
		{"meta not an object", `{"ssn":"123-45-6789","_gateway":"credit"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := r.Apply("credit", []byte(tt.in))
			assert.NotContains(t, string(raw), "123-45-6789")
			assert.NotContains(t, string(raw), "9876543210")

			out := decodeMap(t, raw)
			assert.Equal(t, "***-**-6789", out["ssn"])
			meta, ok := out[MetaKey].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "credit", meta["transform"])
			assert.Equal(t, CategoryCredit, meta["category"])
		})
	}
}

func TestTransforms_Deterministic(t *testing.T) {
	r := NewRegistry()
	in := []byte(`{"b":{"ssn":"123456789"},"a":[1,2,3],"email":"x@y.z"}`)
	for _, id := range r.IDs() {
		assert.Equal(t, r.Apply(id, in), r.Apply(id, in), id)
	}
}

func TestTransform_Metadata(t *testing.T) {
	r := NewRegistry()
	out := decodeMap(t, r.Apply("credit", []byte(`{"score":712}`)))

	meta, ok := out[MetaKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "credit", meta["transform"])
	assert.Equal(t, CategoryCredit, meta["category"])
	assert.Equal(t, true, meta["normalized"])
	assert.ElementsMatch(t, []any{"FCRA", "GLBA"}, meta["compliance"])
	assert.Equal(t, 712.0, out["score"])
}

func TestTransform_MalformedPassesThrough(t *testing.T) {
	r := NewRegistry()
	out := decodeMap(t, r.Apply("financial", []byte("<html>oops</html>")))

	assert.Equal(t, "<html>oops</html>", out["raw"])
	meta := out[MetaKey].(map[string]any)
	assert.Equal(t, false, meta["normalized"])
	assert.Equal(t, "financial", meta["transform"])
}

func TestTransform_NonObjectWrapped(t *testing.T) {
	r := NewRegistry()
	out := decodeMap(t, r.Apply("market_data", []byte(`[{"symbol":"msft","price":1.234567}]`)))

	data := out["data"].([]any)
	row := data[0].(map[string]any)
	assert.Equal(t, "MSFT", row["symbol"])
	assert.Equal(t, 1.2346, row["price"])
}

func TestTransform_Masking(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		id    string
		in    string
		field string
		want  any
	}{
		{"credit", `{"ssn":"123-45-6789"}`, "ssn", "***-**-6789"},
		{"credit", `{"ssn":123456789}`, "ssn", "***-**-6789"},
		{"credit", `{"account_number":"0001234567"}`, "account_number", "****4567"},
		{"credit", `{"note":"ssn 123-45-6789 on file"}`, "note", "ssn ***-**-6789 on file"},
		{"user", `{"email":"jane.doe@example.com"}`, "email", "j***@example.com"},
		{"user", `{"phone":"+1 (555) 010-9999"}`, "phone", "***-***-9999"},
		{"user", `{"password":"hunter2"}`, "password", "[REDACTED]"},
		{"financial", `{"amount":10.005,"currency":"usd"}`, "currency", "USD"},
		{"financial", `{"balance":99.999}`, "balance", 100.0},
		{"kyc", `{"date_of_birth":"1990-01-01"}`, "date_of_birth", "[REDACTED]"},
		{"kyc", `{"passport_number":"X1234567"}`, "passport_number", "****4567"},
		{"banking", `{"routing_number":"021000021"}`, "routing_number", "****0021"},
		{"documents", `{"storage_path":"s3://bucket/x"}`, "storage_path", "[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.field, func(t *testing.T) {
			out := decodeMap(t, r.Apply(tt.id, []byte(tt.in)))
			assert.Equal(t, tt.want, out[tt.field])
		})
	}
}

func TestTransform_NestedFields(t *testing.T) {
	r := NewRegistry()
	out := decodeMap(t, r.Apply("user", []byte(`{"users":[{"email":"a@b.c"},{"profile":{"email":"d@e.f"}}]}`)))

	users := out["users"].([]any)
	assert.Equal(t, "a***@b.c", users[0].(map[string]any)["email"])
	assert.Equal(t, "d***@e.f", users[1].(map[string]any)["profile"].(map[string]any)["email"])
}

func TestIdentity(t *testing.T) {
	in := []byte(`{"ssn":"123-45-6789"}`)
	assert.Equal(t, in, Identity(in))
}

func TestRule_Matches(t *testing.T) {
	r := MaskSSN("social_security_number")
	assert.True(t, r.Matches("socialSecurityNumber"))
	assert.True(t, r.Matches("SOCIAL-SECURITY-NUMBER"))
	assert.False(t, r.Matches("social"))
}
