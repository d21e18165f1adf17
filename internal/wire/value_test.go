package wire

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONShapes(t *testing.T) {
	cases := []struct {
		name string
		in   Value
		want string
	}{
		{"null", Null(), `null`},
		{"int", Int(42), `42`},
		{"negative int", Int(-7), `-7`},
		{"float", Float(1.5), `1.5`},
		{"string", String("héllo"), `"héllo"`},
		{"bool", Bool(true), `true`},
		{"bytes", Bytes([]byte{0xde, 0xad}), `{"$bytes":"3q0="}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.in)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tc.in, back)
		})
	}
}

func TestIntegralFloatStaysFloat(t *testing.T) {
	// "1.0" carries float syntax and must not collapse to Int on decode.
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`1.0`), &v))
	assert.Equal(t, KindFloat, v.Kind())
	assert.Equal(t, float64(1), v.Any())

	var w Value
	require.NoError(t, json.Unmarshal([]byte(`1e2`), &w))
	assert.Equal(t, KindFloat, w.Kind())
}

func TestNonFiniteFloatsEncodeAsNull(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		data, err := json.Marshal(Float(f))
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
	}
}

func TestFromAny(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	assert.Equal(t, Null(), FromAny(nil))
	assert.Equal(t, Int(5), FromAny(int32(5)))
	assert.Equal(t, Int(5), FromAny(5))
	assert.Equal(t, Float(2.5), FromAny(float32(2.5)))
	assert.Equal(t, String("x"), FromAny("x"))
	assert.Equal(t, Bool(false), FromAny(false))
	assert.Equal(t, Bytes([]byte{1}), FromAny([]byte{1}))
	assert.Equal(t, String("2026-03-14T09:26:53Z"), FromAny(ts))

	// Driver-specific types degrade to their string rendering rather than
	// breaking the encoding.
	type weird struct{ X int }
	assert.Equal(t, KindString, FromAny(weird{X: 1}).Kind())
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Kind:      KindQueryResponse,
		RequestID: 9,
		Columns:   []string{"a", "b"},
		Rows: [][]Value{
			{Int(1), Null()},
			{Int(2), String("z")},
		},
		RowCount: 2,
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}
