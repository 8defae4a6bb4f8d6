package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFmpegArgs_OverwriteBeforeOutput(t *testing.T) {
	args := ffmpegArgs("in.h264", "out.mp4.partial")

	yIdx, outIdx := -1, -1
	for i, a := range args {
		switch a {
		case "-y":
			yIdx = i
		case "out.mp4.partial":
			outIdx = i
		}
	}
	require.NotEqual(t, -1, yIdx)
	require.NotEqual(t, -1, outIdx)

	// Trailing options are ignored by ffmpeg; a stale partial would then
	// stall the run on an overwrite prompt.
	assert.Less(t, yIdx, outIdx)
	assert.Equal(t, len(args)-1, outIdx, "output path is the final argument")
}
