package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

func TestNewCommandDefaults(t *testing.T) {
	c := NewCommand("192.168.1.0/24")
	name, args := c.Argv()

	assert.Equal(t, DefaultMasscanPath, name)
	assert.Equal(t, "192.168.1.0/24", args[0])
	assert.Contains(t, args, "-sS")
	assert.NotContains(t, args, "-sT")
	assert.NotContains(t, args, "-sU")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--ports "+DefaultPorts)
	assert.Contains(t, joined, "--wait 0")
	assert.Contains(t, joined, "--rate 1000")
	assert.Contains(t, joined, "--exclude-file "+DefaultExcludeFile)
	assert.NotContains(t, args, "--resume")
}

func TestDefaultPortsCoverMajorServices(t *testing.T) {
	for _, port := range []string{"80", "443", "22", "3306", "5432", "6379", "3389"} {
		assert.Contains(t, ","+DefaultPorts+",", ","+port+",")
	}
}

func TestCommandForJobPortsAndOptions(t *testing.T) {
	job := &types.PrimaryJob{
		Type:   types.PrimaryTypeMasscan,
		Target: "10.0.0.0/8",
		Ports:  []int{80, 443, 8443},
		Options: types.ScanOptions{
			SYN:  true,
			Rate: 5000,
		},
	}
	c := CommandForJob(job)
	_, args := c.Argv()
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--ports 80,443,8443")
	assert.Contains(t, joined, "--rate 5000")
}

func TestCommandForJobAllPorts(t *testing.T) {
	job := &types.PrimaryJob{
		Target:  "10.0.0.1",
		Options: types.ScanOptions{SYN: true, AllPorts: true},
	}
	_, args := CommandForJob(job).Argv()
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--ports 1-65535")
	assert.NotContains(t, joined, DefaultPorts)
}

func TestCommandForJobUDPAndTCP(t *testing.T) {
	job := &types.PrimaryJob{
		Target:  "10.0.0.1",
		Options: types.ScanOptions{TCP: true, UDP: true},
	}
	_, args := CommandForJob(job).Argv()
	assert.Contains(t, args, "-sT")
	assert.Contains(t, args, "-sU")
	assert.NotContains(t, args, "-sS")
}

func TestCommandForJobProxychains(t *testing.T) {
	job := &types.PrimaryJob{
		Target:  "10.0.0.1",
		Options: types.ScanOptions{SYN: true, UseProxychains: true},
	}
	name, args := CommandForJob(job).Argv()
	assert.Equal(t, "proxychains", name)
	require.NotEmpty(t, args)
	assert.Equal(t, DefaultMasscanPath, args[0])
}

func TestCommandForJobResume(t *testing.T) {
	job := &types.PrimaryJob{
		Target:  "10.0.0.1",
		Options: types.ScanOptions{SYN: true, Resume: true},
	}
	_, args := CommandForJob(job).Argv()
	assert.Contains(t, args, "--resume")
}

func TestDiscoveredLineRegex(t *testing.T) {
	tests := []struct {
		line  string
		port  string
		proto string
		host  string
	}{
		{"Discovered open port 443/tcp on 203.0.113.7", "443", "tcp", "203.0.113.7"},
		{"Discovered open port 53/udp on 8.8.8.8", "53", "udp", "8.8.8.8"},
	}
	for _, tt := range tests {
		m := discoveredRe.FindStringSubmatch(tt.line)
		require.NotNil(t, m, tt.line)
		assert.Equal(t, tt.port, m[1])
		assert.Equal(t, tt.proto, m[2])
		assert.Equal(t, tt.host, m[3])
	}

	for _, line := range []string{
		"Starting masscan 1.3.2",
		"rate:  0.10-kpps, 99.79% done",
		"Discovered open port abc/tcp on 1.2.3.4",
	} {
		assert.Nil(t, discoveredRe.FindStringSubmatch(line), line)
	}
}
