package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "axon:", err)
		code := 1
		var coded *codedError
		if errors.As(err, &coded) {
			code = coded.code
		}
		os.Exit(code)
	}
}
