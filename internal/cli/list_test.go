package cli

import (
	"bytes"
	"testing"

	"github.com/harun/capsule/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRecords(t *testing.T) {
	t.Run("empty json is an array", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, writeRecords(&out, "json", nil))
		assert.JSONEq(t, "[]", out.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		err := writeRecords(&bytes.Buffer{}, "xml", []*catalog.PluginRecord{{ID: "a"}})
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.in))
	}
}
