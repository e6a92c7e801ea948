// Command fetch downloads a single URL to a target path using the teemo
// package, printing a terminal progress bar. Adapted from rain's
// bar.go template-based renderer: the template machinery is gone (this
// package's callbacks hand over plain ints, not a Stat object to bind a
// template against) but the Saucer/padding bar-drawing math is the same.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arashi-tools/teemo"
)

const barWidth = 40

func main() {
	url := flag.String("url", "", "resource URL")
	target := flag.String("out", "", "target file path")
	threads := flag.Int("threads", 4, "slice count")
	speedLimit := flag.Int("speed-limit", 0, "max bytes/sec, 0 = unlimited")
	verbose := flag.Bool("verbose", false, "print internal diagnostics")
	flag.Parse()

	if *url == "" || *target == "" {
		fmt.Println("usage: fetch -url <url> -out <path>")
		return
	}

	teemo.GlobalInit()
	defer teemo.GlobalUnInit()

	job := teemo.New()
	job.SetThreadNum(*threads)
	if *speedLimit > 0 {
		job.SetMaxSpeedBps(*speedLimit)
	}
	if *verbose {
		job.SetVerbose(func(msg string) { fmt.Println("#", msg) })
	}

	var total, downloaded, speed int64

	future, res := job.Start(context.Background(), *url, *target,
		nil,
		func(t, d int64) {
			atomic.StoreInt64(&total, t)
			atomic.StoreInt64(&downloaded, d)
			renderBar(atomic.LoadInt64(&total), atomic.LoadInt64(&downloaded), atomic.LoadInt64(&speed))
		},
		func(bps int64) {
			atomic.StoreInt64(&speed, bps)
		},
	)
	if res != teemo.SUCCESSED {
		log.Fatalf("start failed: %s", res)
	}

	final := future.Wait()
	fmt.Println()
	if final != teemo.SUCCESSED {
		log.Fatalf("download failed: %s", final)
	}
	fmt.Printf("saved to %s in %s\n", *target, time.Now().Format(time.RFC3339))
}

func renderBar(total, downloaded, speed int64) {
	var progress float64
	if total > 0 {
		progress = float64(downloaded) / float64(total) * 100
	}
	width := barWidth
	saucerCount := int(progress / 100.0 * float64(width))
	if saucerCount > width {
		saucerCount = width
	}

	var b strings.Builder
	b.WriteString("[")
	if saucerCount > 0 {
		b.WriteString(strings.Repeat("=", saucerCount-1))
		b.WriteString(">")
		b.WriteString(strings.Repeat("-", width-saucerCount))
	} else {
		b.WriteString(strings.Repeat("-", width))
	}
	b.WriteString("]")

	fmt.Printf("\r%s %.1f%% %s/s", b.String(), progress, formatBytes(speed))
}

func formatBytes(n int64) string {
	f := float64(n)
	switch {
	case f < 1024:
		return fmt.Sprintf("%.0f B", f)
	case f < 1048576:
		return fmt.Sprintf("%.1f KiB", f/1024)
	default:
		return fmt.Sprintf("%.1f MiB", f/1048576)
	}
}
