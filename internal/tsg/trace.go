package tsg

import (
	"bufio"
	"io"
)

// WriteTrace draws the table as four text rows, one character per word:
// scope sync ('|' when set), then ATT, TX and TR ('-' when set).
func WriteTrace(w io.Writer, words []uint32) error {
	bw := bufio.NewWriter(w)

	rows := []struct {
		bit uint32
		on  byte
	}{
		{BitSS, '|'},
		{BitATT, '-'},
		{BitTX, '-'},
		{BitTR, '-'},
	}
	for _, r := range rows {
		for _, word := range words {
			c := byte('_')
			if word&r.bit != 0 {
				c = r.on
			}
			bw.WriteByte(c)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
