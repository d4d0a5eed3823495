package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateArg(t *testing.T) {
	valid := []string{
		"boottest-abc123",
		"/var/tmp/boottest-abc123-feeder.qcow2",
		"feeder-v2.1.4.img.xz",
		"br0",
	}

	for _, arg := range valid {
		t.Run(arg, func(t *testing.T) {
			assert.NoError(t, ValidateArg(arg))
		})
	}

	invalid := []string{
		"name; rm -rf /",
		"name && reboot",
		"$(whoami)",
		"`id`",
		"a|b",
		"a > /etc/passwd",
		"with\nnewline",
		`with"quote`,
		"with'quote",
	}

	for _, arg := range invalid {
		t.Run(arg, func(t *testing.T) {
			assert.Error(t, ValidateArg(arg))
		})
	}
}
