package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrentIsSemverWithoutVPrefix(t *testing.T) {
	assert.Regexp(t, `^[0-9]+\.[0-9]+\.[0-9]+$`, Current, "Current must match <major>.<minor>.<patch>")
}

func TestUserAgentCarriesVersion(t *testing.T) {
	assert.Equal(t, "polygon-pipeline/"+Current, UserAgent())
}
