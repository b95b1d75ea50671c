package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()

	otherMonth := time.March
	if now.Month() == time.March {
		otherMonth = time.June
	}

	sameYear := time.Date(now.Year(), otherMonth, 15, 10, 30, 0, 0, time.Local)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)

	t.Run("same day", func(t *testing.T) {
		today := time.Date(now.Year(), now.Month(), now.Day(), 9, 5, 7, 0, time.Local)
		assert.Equal(t, "09:05:07", formatTime(today))
	})

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, otherMonth.String()[:3])
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"QUEUE", "WAITING", "DONE"}
	rows := [][]string{
		{"pending", "12", "3"},
		{"ack", "0", "140"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "QUEUE    WAITING  DONE", lines[0])
	assert.Equal(t, "pending  12       3", lines[1])
	assert.Equal(t, "ack      0        140", lines[2])
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"A", "B"}, nil)

	assert.Equal(t, "A  B\n", buf.String())
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"pruned": 2}))
	assert.Equal(t, "{\n  \"pruned\": 2\n}\n", buf.String())
}

type failWriter struct{ n int }

func (f *failWriter) Write(p []byte) (int, error) {
	f.n++
	return 0, errors.New("disk full")
}

func TestErrWriter_StopsAfterFirstError(t *testing.T) {
	fw := &failWriter{}
	ew := &errWriter{w: fw}

	ew.printf("one\n")
	ew.printf("two\n")

	require.EqualError(t, ew.err, "disk full")
	assert.Equal(t, 1, fw.n)
}
