// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/sam-fredrickson/respmerge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
