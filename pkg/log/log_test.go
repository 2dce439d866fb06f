package log

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
)

func TestWithLogging(t *testing.T) {
	ctx := WithLogging(context.Background(), "debug")
	// The context must carry a working logger at every level.
	dlog.Debugf(ctx, "debug %d", 42)
	dlog.Infof(ctx, "info")
	dlog.Errorf(ctx, "error")
}

func TestMakeBaseLogger_UnparsableLevelFallsBack(t *testing.T) {
	assert.NotNil(t, MakeBaseLogger("not-a-level"))
}
