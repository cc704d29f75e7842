package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var unmarshalTests = []struct {
	input    string
	expected interface{}
}{
	{"i42e", int64(42)},
	{"i-42e", int64(-42)},

	{"7:example", "example"},

	{"l3:one3:twoe", List{"one", "two"}},
	{"le", List{}},

	{"d3:one2:aa3:two2:bbe", Dict{"one": "aa", "two": "bb"}},
	{"de", Dict{}},
}

func TestUnmarshal(t *testing.T) {
	for _, tt := range unmarshalTests {
		got, err := Unmarshal([]byte(tt.input))
		assert.Nil(t, err, "unmarshal should not fail")
		assert.Equal(t, tt.expected, got, "unmarshalled values should match the expected results")
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	_, err := Unmarshal([]byte("d3:onee"))
	assert.Error(t, err, "a dict missing a value should fail to decode")

	_, err = Unmarshal([]byte("ie"))
	assert.Error(t, err, "an empty integer field should fail to decode")

	_, err = Unmarshal([]byte("99:short"))
	assert.Error(t, err, "a string whose declared length exceeds the buffer should fail to decode")
}

type bufferLoop struct {
	val string
}

func (r *bufferLoop) Read(b []byte) (int, error) {
	n := copy(b, r.val)
	return n, nil
}

func BenchmarkUnmarshalScalar(b *testing.B) {
	d1 := NewDecoder(&bufferLoop{"7:example"})
	d2 := NewDecoder(&bufferLoop{"i42e"})

	for i := 0; i < b.N; i++ {
		d1.Decode()
		d2.Decode()
	}
}

func TestUnmarshalLarge(t *testing.T) {
	data := Dict{
		"k1": List{"a", "b", "c"},
		"k2": int64(42),
		"k3": "val",
		"k4": int64(-42),
	}

	buf, err := Marshal(data)
	assert.Nil(t, err)

	dec := NewDecoder(&bufferLoop{string(buf)})

	got, err := dec.Decode()
	assert.Nil(t, err, "decode should not fail")
	assert.Equal(t, data, got, "encoding and decoding should equal the original value")
}

func BenchmarkUnmarshalLarge(b *testing.B) {
	data := Dict{
		"k1": []string{"a", "b", "c"},
		"k2": 42,
		"k3": "val",
		"k4": uint(42),
	}

	buf, _ := Marshal(data)
	dec := NewDecoder(&bufferLoop{string(buf)})

	for i := 0; i < b.N; i++ {
		dec.Decode()
	}
}
