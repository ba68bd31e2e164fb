// Decode Image - one-shot barcode decode of image files
// Usage: decode-image [-1d] file.png [file2.jpg ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/camera/cvdriver"
	"github.com/teslashibe/go-scan/pkg/decode"
)

func main() {
	oneD := flag.Bool("1d", true, "Also try 1D formats")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: decode-image [-1d] file...")
		os.Exit(2)
	}

	log.Init(*level)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gallery := decode.NewGallery(decode.NewZXing(log.Component("decode")), log.Component("gallery"))
	gallery.Hints.OneD = *oneD

	failed := 0
	for _, path := range flag.Args() {
		img, err := cvdriver.LoadImage(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		res, err := gallery.Decode(ctx, img)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s: %s %s\n", path, res.Symbol.Format, res.Symbol.Text)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
