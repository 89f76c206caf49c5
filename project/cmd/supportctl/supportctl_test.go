package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-bot/project/domain"
)

func TestSlackRange_Dates(t *testing.T) {
	from, to, err := slackRange("2024-01-01", "2024-01-31", "UTC")

	require.NoError(t, err)
	assert.Equal(t, "1704067200.000000", from)
	assert.Equal(t, "1706745599.999999", to)
}

func TestSlackRange_TimeZone(t *testing.T) {
	from, _, err := slackRange("2024-01-01", "2024-01-01", "Asia/Tokyo")

	require.NoError(t, err)
	assert.Equal(t, "1704034800.000000", from)
}

func TestSlackRange_RawTimestamps(t *testing.T) {
	from, to, err := slackRange("1700000000.000100", "1700000100", "UTC")

	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", from)
	assert.Equal(t, "1700000100", to)
}

func TestSlackRange_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		tz       string
	}{
		{"逆順", "2024-02-01", "2024-01-01", "UTC"},
		{"形式不正", "2024/01/01", "2024-01-02", "UTC"},
		{"空", "", "2024-01-02", "UTC"},
		{"タイムゾーン不正", "2024-01-01", "2024-01-02", "Nowhere/City"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := slackRange(tt.from, tt.to, tt.tz)
			assert.Error(t, err)
		})
	}
}

func TestReadStaff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staff.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "alice", "accountId": "U1", "tasks": ["Billing", "shipping"]},
		{"name": "bob", "accountId": "U2", "tasks": ["billing"]}
	]`), 0o600))

	staff, err := readStaff(path)

	require.NoError(t, err)
	assert.Equal(t, []domain.StaffMember{
		{Name: "alice", AccountID: "U1", Tasks: []string{"Billing", "shipping"}},
		{Name: "bob", AccountID: "U2", Tasks: []string{"billing"}},
	}, staff)
}

func TestReadStaff_FreeTextTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staff.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "alice", "tasks": "billing, shipping", "accountId": "U1"}]`), 0o600))

	staff, err := readStaff(path)

	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, domain.TaskList{"billing", "shipping"}, staff[0].Tasks)
}

func TestReadStaff_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":`), 0o600))

	_, err := readStaff(bad)
	assert.Error(t, err)

	_, err = readStaff(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestPrintSchema(t *testing.T) {
	var buf bytes.Buffer
	printSchema(&buf, domain.EscalationSchema{
		"shipping": {Members: []string{"U3"}, LastIndex: 0},
		"billing":  {Members: []string{"U1", "U2"}, LastIndex: 1},
	})

	assert.Equal(t, "billing\tU1,U2\t(next: U1)\nshipping\tU3\t(next: U3)\n", buf.String())
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"ingest"}, {"classify"}, {"embed"}, {"prune"},
		{"categories", "suggest"},
		{"escalation", "load"}, {"escalation", "show"},
		{"migrate", "up"}, {"migrate", "down"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
