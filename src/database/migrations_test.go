package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecodes(t *testing.T) {
	tests := []struct {
		name    string
		fn      Recode
		in      any
		want    any
		changed bool
	}{
		{"bool true to number", BoolToNumber, true, 1, true},
		{"bool false to number", BoolToNumber, false, 0, true},
		{"number left alone", BoolToNumber, float64(1), float64(1), false},
		{"number to saved", NumberToString, float64(1), SavedTag, true},
		{"number to unsaved", NumberToString, float64(0), UnsavedTag, true},
		{"string left alone", NumberToString, SavedTag, SavedTag, false},
		{"saved to true", StringToBool, SavedTag, true, true},
		{"unsaved to false", StringToBool, UnsavedTag, false, true},
		{"bool left alone", StringToBool, true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := tt.fn(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestRecodeDocumentIsIdempotent(t *testing.T) {
	for _, fn := range []Recode{BoolToNumber, NumberToString, StringToBool} {
		for _, doc := range []string{
			`{"path":"/a","saved":true}`,
			`{"path":"/a","saved":1}`,
			`{"path":"/a","saved":"saved"}`,
			`{"path":"/a"}`,
		} {
			once, _, err := RecodeDocument([]byte(doc), fn)
			require.NoError(t, err)
			twice, changed, err := RecodeDocument(once, fn)
			require.NoError(t, err)
			assert.False(t, changed, "second application changed %s", doc)
			assert.JSONEq(t, string(once), string(twice))
		}
	}
}

func TestRecodeDocumentRejectsGarbage(t *testing.T) {
	_, _, err := RecodeDocument([]byte("nope"), BoolToNumber)
	assert.Error(t, err)
}
