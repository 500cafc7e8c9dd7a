// iptrtrace is a thin demonstration of wiring an Analyzer: it decodes a
// raw PT byte file against a flat memory-dump file and prints the
// resulting AFL++ bitmap's non-zero byte count. The perf.data/libxdc
// readers and the iptr-perf-* CLI family stay external collaborators.
package main

import (
	"flag"
	"fmt"
	"os"

	"iptr/analyzer"
	"iptr/bitmap"
	"iptr/memaccess"
	"iptr/ptpacket"
)

func main() {
	traceFile := flag.String("trace", "", "path to a raw PT byte stream")
	memFile := flag.String("mem", "", "path to a flat memory-dump file")
	memBase := flag.Uint64("mem-base", 0, "base address of the memory dump")
	bitmapSize := flag.Int("bitmap-size", 1<<16, "AFL++ bitmap size (power of two)")
	cacheMode := flag.Bool("cache", false, "enable trace-cache replay")
	flag.Parse()

	if *traceFile == "" || *memFile == "" {
		fmt.Fprintln(os.Stderr, "usage: iptrtrace -trace <file> -mem <file> -mem-base <addr>")
		os.Exit(2)
	}

	trace, err := os.ReadFile(*traceFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read trace: %v\n", err)
		os.Exit(1)
	}
	memData, err := os.ReadFile(*memFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read memory dump: %v\n", err)
		os.Exit(1)
	}

	mem := memaccess.NewBuffer(*memBase, memData)
	bm := bitmap.New(*bitmapSize)

	a := analyzer.New(mem, bm, ptpacket.DefaultDecodeOptions(), *cacheMode)
	if err := a.Decode(trace); err != nil {
		fmt.Fprintf(os.Stderr, "decode: %v\n", err)
		os.Exit(1)
	}

	nonZero := 0
	for _, b := range bm.Bytes() {
		if b != 0 {
			nonZero++
		}
	}
	fmt.Printf("bitmap size=%d non-zero=%d\n", *bitmapSize, nonZero)
}
