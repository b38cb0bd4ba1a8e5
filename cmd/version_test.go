package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/Manil-helal/Orion-website/orion"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := orion.Version
	originalCommitSHA := orion.CommitSHA
	originalBuildTime := orion.BuildTime

	t.Cleanup(
		func() {
			orion.Version = originalVersion
			orion.CommitSHA = originalCommitSHA
			orion.BuildTime = originalBuildTime
		},
	)

	orion.Version = "1.0.0"
	orion.CommitSHA = "abc123"
	orion.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		orion.Version,
		orion.CommitSHA,
		orion.BuildTime,
	)
	assert.Equal(t, expected, output)
}
