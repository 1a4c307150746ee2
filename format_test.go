package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		in   time.Time
		want []string
	}{
		{
			name: "this year shows clock time",
			in:   time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.Local),
			want: []string{"Mar", "15", "10:30:00"},
		},
		{
			name: "other year shows year",
			in:   time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local),
			want: []string{"Dec", "25", "2020"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatTime(tt.in)
			for _, part := range tt.want {
				assert.Contains(t, got, part)
			}
		})
	}

	assert.Equal(t, "-", formatTime(time.Time{}))
}

func renderLines(t *testing.T, tbl *table) []string {
	t.Helper()

	var buf bytes.Buffer
	tbl.render(&buf)

	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func TestTable_AlignsColumns(t *testing.T) {
	tbl := newTable("BACKUP", "CREATED")
	tbl.add("database-2024-06-01T09-00-00.zip", "Jun  1 09:00:00")
	tbl.add("x.zip", "May 31 08:00:00")

	lines := renderLines(t, tbl)
	require.Len(t, lines, 3)

	col := strings.Index(lines[0], "CREATED")
	assert.Equal(t, col, strings.Index(lines[1], "Jun"))
	assert.Equal(t, col, strings.Index(lines[2], "May"))

	for _, l := range lines {
		assert.False(t, strings.HasSuffix(l, " "), "trailing blank in %q", l)
	}
}

func TestTable_RaggedRows(t *testing.T) {
	tbl := newTable("A", "B", "C")
	tbl.add("1")
	tbl.add("1", "2", "3", "4")

	lines := renderLines(t, tbl)
	require.Len(t, lines, 3)
	assert.Equal(t, "1", strings.TrimSpace(lines[1]))
	assert.NotContains(t, lines[2], "4")
}

func TestTable_CountsRunesNotBytes(t *testing.T) {
	tbl := newTable("DEVICE", "ID")
	tbl.add("Büro", "a")
	tbl.add("home", "b")

	lines := renderLines(t, tbl)
	require.Len(t, lines, 3)

	// Both data rows put ID at the same rune offset.
	assert.Equal(t, len([]rune(lines[1]))-1, len([]rune(lines[2]))-1)
}
