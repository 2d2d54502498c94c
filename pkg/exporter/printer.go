package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"

	"standby/pkg/core"
)

// PrintSegment 以表格形式打印一个 Segment 的属性和子节点
func PrintSegment(seg *core.Segment, w io.Writer) error {
	fmt.Fprintf(w, "Segment: %s\n", seg.ID())
	fmt.Fprintf(w, "Size:    %s\n\n", fmtSize(int64(len(seg.Bytes()))))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "KIND\tNAME\tVALUE\tSIZE\n")
	for _, p := range seg.Props {
		if p.IsBinary() {
			fmt.Fprintf(tw, "blob\t%s\t%s\t%s\n", p.Name, p.Blob.Cid.Hash.Short(), fmtSize(p.Blob.Size))
			continue
		}
		fmt.Fprintf(tw, "prop\t%s\t%s\t%s\n", p.Name, preview(p.Value), fmtSize(int64(len(p.Value))))
	}
	for _, c := range seg.Children {
		fmt.Fprintf(tw, "child\t%s\t%s\t-\n", c.Name, c.Cid.Hash.Short())
	}
	return tw.Flush()
}

// preview 截断过长或不可打印的内联值
func preview(v []byte) string {
	const limit = 32
	for _, b := range v {
		if b < 0x20 || b > 0x7e {
			return "(binary)"
		}
	}
	if len(v) > limit {
		return string(v[:limit]) + "..."
	}
	return string(v)
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
