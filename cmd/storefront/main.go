// Command storefront はECサイトのAPIサーバー・ワーカー・マイグレーションを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/storefront/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}
