package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Exitf writes a program-prefixed error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	program := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "%s: "+format+"\n", append([]any{program}, args...)...)
	os.Exit(1)
}
