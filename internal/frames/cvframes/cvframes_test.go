package cvframes

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHalves(t *testing.T) {
	left, right := Halves(640, 360)
	assert.Equal(t, image.Rect(0, 0, 320, 360), left)
	assert.Equal(t, image.Rect(320, 0, 640, 360), right)

	// An odd column is dropped so both eyes have the same width.
	left, right = Halves(641, 10)
	assert.Equal(t, left.Dx(), right.Dx())
	assert.Equal(t, 640, right.Max.X)
}
