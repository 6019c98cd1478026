package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePortMappings(t *testing.T) {
	got := ParsePortMappings([]string{"25565:25565", "19132:19132/udp", "bogus"})
	assert.Equal(t, []PortMapping{
		{Host: "25565", Container: "25565", Protocol: "tcp"},
		{Host: "19132", Container: "19132", Protocol: "udp"},
	}, got)
}

func TestParseMemory(t *testing.T) {
	assert.Equal(t, int64(2*1024*1024*1024), ParseMemory("2G"))
	assert.Equal(t, int64(512*1024*1024), ParseMemory("512m"))
	assert.Equal(t, int64(0), ParseMemory(""))
	assert.Equal(t, int64(1024), ParseMemory("1024"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
