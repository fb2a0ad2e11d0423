package avsink

// splitAnnexB splits a raw H.264 access unit delimited by Annex-B start
// codes (0x000001 or 0x00000001) into individual NAL units with the
// start codes stripped, in emission order. Remote Play's decoder output
// is Annex-B (unlike the teacher's RTSP/AVC camera feed, which already
// arrives length-prefixed), so this has no equivalent in the teacher's
// own NALU handling and is split out on its own rather than folded into
// bridge-style AVC framing.
func splitAnnexB(frame []byte) [][]byte {
	starts := make([]int, 0, 4)
	codeLens := make([]int, 0, 4)

	i := 0
	for i+2 < len(frame) {
		if frame[i] == 0 && frame[i+1] == 0 {
			if frame[i+2] == 1 {
				starts = append(starts, i+3)
				codeLens = append(codeLens, 3)
				i += 3
				continue
			}
			if i+3 < len(frame) && frame[i+2] == 0 && frame[i+3] == 1 {
				starts = append(starts, i+4)
				codeLens = append(codeLens, 4)
				i += 4
				continue
			}
		}
		i++
	}

	if len(starts) == 0 {
		if len(frame) == 0 {
			return nil
		}
		return [][]byte{frame}
	}

	nalus := make([][]byte, 0, len(starts))
	for idx, start := range starts {
		end := len(frame)
		if idx+1 < len(starts) {
			end = starts[idx+1] - codeLens[idx+1]
		}
		if end > start {
			nalus = append(nalus, frame[start:end])
		}
	}
	return nalus
}
