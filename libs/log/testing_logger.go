package log

import (
	"os"
	"sync"
	"testing"
)

var (
	// reuse the same logger across all tests
	testingLoggerMtx sync.Mutex
	testingLogger    Logger
)

// TestingLogger returns a logger which writes to STDOUT if the tests are being
// run with the verbose (-v) flag, and discards everything otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in the
// init func) because the verbose flag is only set at testing time.
func TestingLogger() Logger {
	testingLoggerMtx.Lock()
	defer testingLoggerMtx.Unlock()
	if testingLogger != nil {
		return testingLogger
	}

	if testing.Verbose() {
		testingLogger = NewLogger(os.Stdout)
	} else {
		testingLogger = NewNopLogger()
	}

	return testingLogger
}
