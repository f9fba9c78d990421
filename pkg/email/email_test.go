package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveDisplayName(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"jane.doe@example.com", "Jane Doe"},
		{"bob@example.com", "Bob"},
		{"x_y-z@example.com", "X Y Z"},
		{"plus+tag@example.com", "Plus Tag"},
		{"@example.com", "User"},
		{"", "User"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveDisplayName(tt.address), tt.address)
	}
}
