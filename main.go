// The main package for the crawler executable.
package main

import (
	"os"

	"github.com/skudata/catalog-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
