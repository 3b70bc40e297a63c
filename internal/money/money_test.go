package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":  "1.01",
		"1.004":  "1.00",
		"2.675":  "2.68",
		"0.125":  "0.13",
		"10":     "10.00",
		"99.995": "100.00",
	}
	for in, want := range cases {
		assert.Equal(t, want, MustParse(in).Round().String(), "round(%s)", in)
	}
}

func TestDecimalArithmeticHasNoFloatDrift(t *testing.T) {
	total := Zero()
	for i := 0; i < 10; i++ {
		total = total.Add(MustParse("0.10"))
	}
	assert.True(t, total.Equal(MustParse("1.00")))
}

func TestPercent(t *testing.T) {
	got := MustParse("3000.00").Percent(decimal.NewFromInt(10)).Round()
	assert.Equal(t, "300.00", got.String())
}

func TestClampZeroAndMinMax(t *testing.T) {
	assert.True(t, MustParse("-5").ClampZero().IsZero())
	assert.Equal(t, "3.00", Min(MustParse("3"), MustParse("4")).String())
	assert.Equal(t, "4.00", Max(MustParse("3"), MustParse("4")).String())
	assert.Equal(t, "0.07", FromMinor(7).String())
}

func TestJSONAcceptsStringsAndNumbers(t *testing.T) {
	var v struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.50","b":7.25}`), &v))
	assert.Equal(t, "12.50", v.A.String())
	assert.Equal(t, "7.25", v.B.String())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"12.50","b":"7.25"}`, string(out))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("12,50")
	assert.Error(t, err)
}
