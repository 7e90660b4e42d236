// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := map[string]struct {
		format   string
		level    string
		expected []string
		absent   []string
	}{
		"logfmt at info drops debug": {
			format:   "logfmt",
			level:    "info",
			expected: []string{`level=info msg="info line"`, `level=warn msg="warn line"`},
			absent:   []string{"debug line"},
		},
		"json at warn drops info": {
			format:   "json",
			level:    "warn",
			expected: []string{`"msg":"warn line"`},
			absent:   []string{"info line", "debug line"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var lvl dslog.Level
			require.NoError(t, lvl.Set(tc.level))

			buf := &bytes.Buffer{}
			logger := newLogger(tc.format, lvl, buf)
			level.Debug(logger).Log("msg", "debug line")
			level.Info(logger).Log("msg", "info line")
			level.Warn(logger).Log("msg", "warn line")

			out := buf.String()
			for _, s := range tc.expected {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.absent {
				assert.False(t, strings.Contains(out, s), out)
			}
			assert.Contains(t, out, "caller")
		})
	}
}
