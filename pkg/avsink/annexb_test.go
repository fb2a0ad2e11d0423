package avsink

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAnnexBThreeByteStartCodes(t *testing.T) {
	frame := []byte{0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB, 0xCC}
	nalus := splitAnnexB(frame)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x67, 0xAA}, nalus[0])
	require.Equal(t, []byte{0x68, 0xBB, 0xCC}, nalus[1])
}

func TestSplitAnnexBFourByteStartCodes(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0x65, 0x01, 0x02, 0, 0, 0, 1, 0x41, 0x03}
	nalus := splitAnnexB(frame)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x65, 0x01, 0x02}, nalus[0])
	require.Equal(t, []byte{0x41, 0x03}, nalus[1])
}

func TestSplitAnnexBMixedStartCodeLengths(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB}
	nalus := splitAnnexB(frame)
	require.Len(t, nalus, 2)
	require.Equal(t, []byte{0x67, 0xAA}, nalus[0])
	require.Equal(t, []byte{0x68, 0xBB}, nalus[1])
}

func TestSplitAnnexBNoStartCodeReturnsWholeFrame(t *testing.T) {
	frame := []byte{0x65, 0x01, 0x02, 0x03}
	nalus := splitAnnexB(frame)
	require.Len(t, nalus, 1)
	require.Equal(t, frame, nalus[0])
}

func TestSplitAnnexBEmptyFrameReturnsNil(t *testing.T) {
	require.Nil(t, splitAnnexB(nil))
	require.Nil(t, splitAnnexB([]byte{}))
}
