package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSingleRun(t *testing.T) {
	testcases := []struct {
		name        string
		once        bool
		runInterval time.Duration
		expect      bool
	}{
		{name: "noIntervalConfigured", once: false, runInterval: 0, expect: true},
		{name: "onceRequested", once: true, runInterval: 0, expect: true},
		{name: "onceOverridesInterval", once: true, runInterval: time.Minute, expect: true},
		{name: "intervalConfigured", once: false, runInterval: time.Minute, expect: false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, singleRun(tc.once, tc.runInterval))
		})
	}
}
