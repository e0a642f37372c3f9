package launcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		executable string
		want       ClientKind
	}{
		{"ssh", KindSSH},
		{"/usr/bin/ssh", KindSSH},
		{"openssh-client", KindSSH},
		{"scp", KindSCP},
		{"scp2", KindSCP},
		{"SCP.EXE", KindSCP},
		{"putty", KindPutty},
		{"PuTTY.exe", KindPutty},
		{"/opt/putty-0.81/putty", KindPutty},
		// Prefix rule: pscp matches neither putty* nor scp*.
		{"pscp", KindSSH},
	}
	for _, tc := range cases {
		t.Run(tc.executable, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.executable))
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("scp flag wins over everything", func(t *testing.T) {
		c := Resolve("/usr/local/bin/ssh", "putty", true)
		assert.Equal(t, "scp", c.Path)
		assert.Equal(t, KindSCP, c.Kind)
	})

	t.Run("option wins over configuration", func(t *testing.T) {
		c := Resolve("/usr/local/bin/ssh", "putty", false)
		assert.Equal(t, "putty", c.Path)
		assert.Equal(t, KindPutty, c.Kind)
	})

	t.Run("configuration wins over the platform default", func(t *testing.T) {
		c := Resolve("/usr/local/bin/ssh", "", false)
		assert.Equal(t, "/usr/local/bin/ssh", c.Path)
		assert.Equal(t, KindSSH, c.Kind)
	})

	t.Run("defaults to ssh outside windows", func(t *testing.T) {
		restore := goos
		goos = "linux"
		defer func() { goos = restore }()

		c := Resolve("", "", false)
		assert.Equal(t, "ssh", c.Path)
		assert.Equal(t, KindSSH, c.Kind)
	})

	t.Run("windows searches ssh.exe before putty.exe", func(t *testing.T) {
		restoreGOOS, restoreLook := goos, lookPath
		goos = "windows"
		lookPath = func(name string) (string, error) {
			if name == "putty.exe" {
				return "putty.exe", nil
			}
			return "", errors.New("not found")
		}
		defer func() { goos, lookPath = restoreGOOS, restoreLook }()

		c := Resolve("", "", false)
		assert.Equal(t, "putty.exe", c.Path)
		assert.Equal(t, KindPutty, c.Kind)
	})

	t.Run("windows without any client resolves empty", func(t *testing.T) {
		restoreGOOS, restoreLook := goos, lookPath
		goos = "windows"
		lookPath = func(string) (string, error) { return "", errors.New("not found") }
		defer func() { goos, lookPath = restoreGOOS, restoreLook }()

		c := Resolve("", "", false)
		assert.Empty(t, c.Path)
	})
}
