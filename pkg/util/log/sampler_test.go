// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestSampler(t *testing.T) {
	for name, tc := range map[string]struct {
		freq     int64
		events   int
		expected int
	}{
		"disabled lets everything through": {freq: 0, events: 5, expected: 5},
		"every event":                      {freq: 1, events: 5, expected: 5},
		"one out of three":                 {freq: 3, events: 7, expected: 3},
	} {
		t.Run(name, func(t *testing.T) {
			s := NewSampler(tc.freq)
			passed := 0
			for i := 0; i < tc.events; i++ {
				if s.Sample() {
					passed++
				}
			}
			require.Equal(t, tc.expected, passed)
		})
	}
}

func TestSampledLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSampledLogger(log.NewLogfmtLogger(buf), 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, logger.Log("msg", "failed to store in remote cache"))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "sampled=2")
}
