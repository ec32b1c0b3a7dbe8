package log_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
)

func TestInitWritesToFile(t *testing.T) {
	c := qt.New(t)
	logFile := filepath.Join(t.TempDir(), "relay.log")
	log.Init(log.LogLevelInfo, logFile)
	defer log.Init(log.LogLevelError, "stderr")

	log.Infow("broadcast accepted", "txid", "abcd1234")
	log.Debugw("should be filtered", "txid", "abcd1234")

	raw, err := os.ReadFile(logFile)
	c.Assert(err, qt.IsNil)
	content := string(raw)
	c.Assert(strings.Contains(content, "broadcast accepted"), qt.IsTrue)
	c.Assert(strings.Contains(content, "abcd1234"), qt.IsTrue)
	c.Assert(strings.Contains(content, "should be filtered"), qt.IsFalse)
}

func TestLevel(t *testing.T) {
	c := qt.New(t)
	defer log.Init(log.LogLevelError, "stderr")
	for _, level := range []string{
		log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError,
	} {
		log.Init(level, "stderr")
		c.Assert(log.Level(), qt.Equals, level)
	}
}

func TestUptime(t *testing.T) {
	qt.New(t).Assert(log.Uptime() > 0, qt.IsTrue)
}
