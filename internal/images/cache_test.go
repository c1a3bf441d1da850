package images

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestEmptyIsBase(t *testing.T) {
	assert.Equal(t, BaseTag, Digest(nil))
	assert.Equal(t, BaseTag, Digest([]string{}))
	assert.Equal(t, BaseTag, Digest([]string{"", "  "}))
}

func TestDigestOrderIndependent(t *testing.T) {
	a := Digest([]string{"requests", "pandas", "numpy"})
	b := Digest([]string{"numpy", "requests", "pandas"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestDigestDeduplicatesAndTrims(t *testing.T) {
	a := Digest([]string{"requests", "requests", " requests "})
	b := Digest([]string{"requests"})
	assert.Equal(t, a, b)
}

func TestDigestDistinctSetsDiffer(t *testing.T) {
	assert.NotEqual(t, Digest([]string{"requests"}), Digest([]string{"pandas"}))
}

func TestDockerfileContents(t *testing.T) {
	df := dockerfile([]string{"numpy", "pandas"})
	assert.True(t, strings.HasPrefix(df, "FROM "+baseImage))
	assert.Contains(t, df, "pip install --no-cache-dir numpy pandas")
	assert.Contains(t, df, "USER 1000:1000")

	base := dockerfile(nil)
	assert.NotContains(t, base, "pip install")
}
