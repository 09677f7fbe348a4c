package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCommands(t *testing.T) {
	want := []string{"clients", "keygen", "migrate", "serve", "sweep"}
	var got []string
	for _, c := range rootCmd.Commands() {
		if c.Name() == "help" || c.Name() == "completion" {
			continue
		}
		got = append(got, c.Name())
	}
	assert.ElementsMatch(t, want, got)

	cl, _, err := rootCmd.Find([]string{"clients", "register"})
	require.NoError(t, err)
	assert.Equal(t, "register", cl.Name())
	assert.NotNil(t, cl.Flags().Lookup("redirect-uri"))
}

func TestKeygen(t *testing.T) {
	cmd := newKeygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	key := strings.TrimSpace(out.String())
	raw, err := base64.RawURLEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestPrintStructured(t *testing.T) {
	res := auth.SweepResult{Sessions: 3, Clients: 1}

	var out bytes.Buffer
	require.NoError(t, printStructured(&out, outputYAML, res))
	var decoded map[string]int
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, map[string]int{"sessions": 3, "clients": 1}, decoded)

	out.Reset()
	require.NoError(t, printStructured(&out, outputJSON, res))
	assert.JSONEq(t, `{"sessions":3,"clients":1}`, out.String())

	assert.Error(t, printStructured(&out, "xml", res))
}
