// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, content string) (*Dispatch, error) {
	t.Helper()
	return ParseDispatch(strings.NewReader(content), "relay.conf")
}

func TestLoadDispatch_NoFile(t *testing.T) {
	d, err := LoadDispatch(filepath.Join(t.TempDir(), "missing.conf"))
	require.NoError(t, err)

	require.Len(t, d.ServerURLs, 1)
	assert.Equal(t, "https://puppetdb:8081", d.ServerURLs[0].URL())
	assert.Empty(t, d.SubmitOnlyURLs)
	assert.False(t, d.CommandBroadcast)
	assert.Equal(t, 1, d.MinSuccessfulSubmissions)
	assert.False(t, d.StickyReadFailover)
	assert.Equal(t, 30*time.Second, d.RequestTimeout)
	assert.Equal(t, 1000, d.MaxQueuedCommands)
}

func TestLoadDispatch_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.conf")
	content := `[main]
server_urls = https://a.example.com:8081,https://b.example.com:8081
server_url_timeout = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	d, err := LoadDispatch(path)
	require.NoError(t, err)
	require.Len(t, d.ServerURLs, 2)
	assert.Equal(t, 5*time.Second, d.RequestTimeout)
}

func TestParseDispatch_AllKeys(t *testing.T) {
	d, err := parse(t, `[main]
server_urls = https://a.example.com:8081, https://b.example.com:8082/
submit_only_server_urls = https://c.example.com
command_broadcast = true
min_successful_submissions = 2
sticky_read_failover = true
server_url_timeout = 10
max_queued_commands = 50
`)
	require.NoError(t, err)

	assert.Equal(t, []Endpoint{
		{Scheme: "https", Host: "a.example.com", Port: 8081},
		{Scheme: "https", Host: "b.example.com", Port: 8082},
	}, d.ServerURLs)
	assert.Equal(t, []Endpoint{{Scheme: "https", Host: "c.example.com", Port: 443}}, d.SubmitOnlyURLs)
	assert.True(t, d.CommandBroadcast)
	assert.Equal(t, 2, d.MinSuccessfulSubmissions)
	assert.True(t, d.StickyReadFailover)
	assert.Equal(t, 10*time.Second, d.RequestTimeout)
	assert.Equal(t, 50, d.MaxQueuedCommands)
	assert.Len(t, d.CommandEndpoints(), 3)
	assert.Len(t, d.QueryEndpoints(), 2)
}

func TestParseDispatch_CommentsAndWhitespace(t *testing.T) {
	d, err := parse(t, `#this is a comment
 ; so is this
[main]
   # yet another comment
    server_urls    =   https://main.example.com:1234

unknown_key = ignored
`)
	require.NoError(t, err)
	assert.Equal(t, "https://main.example.com:1234", d.ServerURLs[0].URL())
}

func TestParseDispatch_LegacyServerPort(t *testing.T) {
	d, err := parse(t, "[main]\nserver = foo.example-thing.com\nport = 1234\n")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Scheme: "https", Host: "foo.example-thing.com", Port: 1234}}, d.ServerURLs)
}

func TestParseDispatch_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		contains string
		line     int
	}{
		{
			name:     "setting outside of section",
			content:  "foo = bar",
			contains: "setting 'foo = bar' is illegal outside of section",
			line:     1,
		},
		{
			name:     "unparseable line",
			content:  "[main]\nfoo bar baz\n",
			contains: "unparseable line 'foo bar baz'",
			line:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.content)
			require.Error(t, err)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.line, ce.Line)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Contains(t, err.Error(), "relay.conf:")
			assert.True(t, errors.Is(err, ErrInvalidPolicy))
		})
	}
}

func TestParseDispatch_InvalidURLs(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		contains string
	}{
		{"http scheme", "http://a.example.com:8081", "scheme must be https"},
		{"path present", "https://a.example.com:8081/pdb", "must not contain a path"},
		{"missing host", "https://:8081", "host cannot be empty"},
		{"bad port", "https://a.example.com:99999", "port must be between"},
		{"unparseable", "https://a b:80%", "not a valid url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, "[main]\nserver_urls = "+tt.url+"\n")
			require.Error(t, err)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.url, ce.URL)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParseDispatch_CrossFieldInvariants(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		contains string
	}{
		{
			name: "submit only overlaps server urls",
			content: `[main]
server_urls = https://a.example.com:8081
submit_only_server_urls = https://a.example.com:8081
`,
			contains: "must not overlap",
		},
		{
			name: "threshold without broadcast",
			content: `[main]
server_urls = https://a.example.com:8081,https://b.example.com:8081
min_successful_submissions = 2
`,
			contains: "requires command_broadcast",
		},
		{
			name: "threshold above endpoint count",
			content: `[main]
server_urls = https://a.example.com:8081
command_broadcast = true
min_successful_submissions = 2
`,
			contains: "exceeds the number of command endpoints",
		},
		{
			name: "threshold with soft write failure",
			content: `[main]
server_urls = https://a.example.com:8081,https://b.example.com:8081
command_broadcast = true
min_successful_submissions = 2
soft_write_failure = true
`,
			contains: "soft_write_failure cannot be combined",
		},
		{
			name:     "zero threshold",
			content:  "[main]\nmin_successful_submissions = 0\n",
			contains: "at least 1",
		},
		{
			name:     "non boolean broadcast",
			content:  "[main]\ncommand_broadcast = yes\n",
			contains: "must be 'true' or 'false'",
		},
		{
			name:     "non positive timeout",
			content:  "[main]\nserver_url_timeout = 0\n",
			contains: "positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.content)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParseDispatch_ThresholdOneWithoutBroadcast(t *testing.T) {
	d, err := parse(t, `[main]
server_urls = https://a.example.com:8081
min_successful_submissions = 1
soft_write_failure = true
`)
	require.NoError(t, err)
	assert.True(t, d.SoftWriteFailure)
}
