package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuesPlaceholders(t *testing.T) {
	assert.Equal(t, "($1)", ValuesPlaceholders(1, 1))
	assert.Equal(t, "($1,$2),($3,$4),($5,$6)", ValuesPlaceholders(2, 3))
	assert.Panics(t, func() { ValuesPlaceholders(0, 1) })
	assert.Panics(t, func() { ValuesPlaceholders(1, 0) })
}

func TestInPlaceholders(t *testing.T) {
	assert.Equal(t, "$1,$2,$3", InPlaceholders(3, 1))
	assert.Equal(t, "$4,$5", InPlaceholders(2, 4))
}
