package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoundex(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ROBERT", "R163"},
		{"RUPERT", "R163"},
		{"ASHCRAFT", "A261"},
		{"TYMCZAK", "T522"},
		{"PFISTER", "P236"},
		{"LEE", "L000"},
		{"DE LA CRUZ", "D426"},
		{"DELACRUZ", "D426"},
		{"", ""},
		{"123", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Soundex(tt.name))
		})
	}
}

func TestSoundex_Lowercase(t *testing.T) {
	assert.Equal(t, Soundex("ROBERT"), Soundex("robert"))
}

func TestBlockKey(t *testing.T) {
	assert.Equal(t, "J500D000|TX", BlockKey("Jane", "Doe", "tx"))
	assert.Equal(t, BlockKey("Jon", "Smith", "TX"), BlockKey("John", "Smyth", "TX"))
	assert.NotEqual(t, BlockKey("Jane", "Doe", "TX"), BlockKey("Jane", "Doe", "OK"))
}

func TestBlockKey_MissingParts(t *testing.T) {
	assert.Equal(t, "", BlockKey("", "Doe", "TX"))
	assert.Equal(t, "", BlockKey("Jane", "", "TX"))
	assert.Equal(t, "", BlockKey("Jane", "Doe", ""))
}
