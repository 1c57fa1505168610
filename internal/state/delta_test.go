package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaCodec(t *testing.T) {
	in := Delta{Ops: []DeltaOp{
		{Action: ActionPut, ID: "p1", Kind: KindPath, Version: Version{Clock: 1, Actor: "alice"}},
		{Action: ActionSet, ID: "p1", Field: FieldPoints, Value: []float64{1, 2, 3, 4}, Version: Version{Clock: 1, Actor: "alice"}},
		{Action: ActionSet, ID: "p1", Field: FieldSelected, Value: false, Version: Version{Clock: 2, Actor: "alice"}},
		{Action: ActionDelete, ID: "p2", Version: Version{Clock: 3, Actor: "bob"}},
	}}
	data, err := EncodeDelta(in)
	require.NoError(t, err)

	out, err := DecodeDelta(data)
	require.NoError(t, err)
	require.Len(t, out.Ops, 4)
	assert.Equal(t, []float64{1, 2, 3, 4}, out.Ops[1].Value)
	// A false value must survive the wire; dropping it would lose
	// deselections.
	assert.Equal(t, false, out.Ops[2].Value)
	assert.Equal(t, in.Ops[3], out.Ops[3])
}

func TestDecodeDeltaRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{`,
		"missing id":      `{"ops":[{"op":"set","field":"x","value":1,"ver":{"c":1,"a":"alice"}}]}`,
		"missing version": `{"ops":[{"op":"set","id":"p1","field":"x","value":1}]}`,
		"unknown action":  `{"ops":[{"op":"zap","id":"p1","ver":{"c":1,"a":"alice"}}]}`,
		"unknown kind":    `{"ops":[{"op":"put","id":"p1","kind":"blob","ver":{"c":1,"a":"alice"}}]}`,
		"missing field":   `{"ops":[{"op":"set","id":"p1","value":1,"ver":{"c":1,"a":"alice"}}]}`,
		"null value":      `{"ops":[{"op":"set","id":"p1","field":"x","value":null,"ver":{"c":1,"a":"alice"}}]}`,
		"object value":    `{"ops":[{"op":"set","id":"p1","field":"x","value":{},"ver":{"c":1,"a":"alice"}}]}`,
		"mixed points":    `{"ops":[{"op":"set","id":"p1","field":"points","value":[1,"x"],"ver":{"c":1,"a":"alice"}}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDelta([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedDeltaNormalizes(t *testing.T) {
	// Deltas embedded in larger messages are decoded with plain
	// json.Unmarshal, not DecodeDelta; values must still normalize.
	var d Delta
	require.NoError(t, json.Unmarshal(
		[]byte(`{"ops":[{"op":"set","id":"p1","field":"points","value":[1,2],"ver":{"c":1,"a":"alice"}}]}`), &d))
	assert.Equal(t, []float64{1, 2}, d.Ops[0].Value)
}

func TestDecodeDeltaNormalizesPoints(t *testing.T) {
	d, err := DecodeDelta([]byte(`{"ops":[{"op":"set","id":"p1","field":"points","value":[1,2,3.5,4],"ver":{"c":1,"a":"alice"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3.5, 4}, d.Ops[0].Value)
}
