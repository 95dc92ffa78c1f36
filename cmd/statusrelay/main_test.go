package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const records = `{"Records":[{"transitionType":"INSERT","key":"ARN#x","newAttributes":{
	"arn":"x","eventDescription":"Elevated latency","region":"eu-west-1","statusCode":"open",
	"service":"S3","eventTypeCode":"AWS_S3_OPERATIONAL_ISSUE",
	"startTime":"2024-03-01T10:00:00Z","lastUpdatedTime":"2024-03-01T10:05:00Z"}}]}`

func TestRenderCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte(records), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"render", "--records", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var got []struct {
		Key      string            `json:"key"`
		Notify   bool              `json:"notify"`
		Payloads []json.RawMessage `json:"payloads"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ARN#x", got[0].Key)
	assert.True(t, got[0].Notify)
	assert.NotEmpty(t, got[0].Payloads)
}

func TestReplayRequiresRecords(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
